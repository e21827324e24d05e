package deployment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/common/models"
)

// writeTree lays out files under root from rel path to content.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func manifestPaths(m *models.SyncManifest) []string {
	out := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		out = append(out, f.Path)
	}
	return out
}

func TestBuildManifestWalksTree(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"app.conf":        "port=8080",
		"scripts/run.sh":  "#!/bin/sh",
		"assets/logo.png": "png",
	})

	m, err := BuildManifest(&models.DeploymentProfile{SourcePath: root})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app.conf", "scripts/run.sh", "assets/logo.png"}, manifestPaths(m))

	for _, f := range m.Files {
		assert.Len(t, f.Checksum, 64, "sha256 hex digest")
		assert.Greater(t, f.Size, int64(0))
	}
}

func TestBuildManifestIncludeExclude(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"app.conf":       "x",
		"app.conf.bak":   "x",
		"scripts/run.sh": "x",
		"build/out.bin":  "x",
	})

	m, err := BuildManifest(&models.DeploymentProfile{
		SourcePath: root,
		Include:    []string{"*.conf", "scripts/*", "build/"},
		Exclude:    []string{"*.bak", "build/"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app.conf", "scripts/run.sh"}, manifestPaths(m),
		"excludes win over includes")
}

func TestBuildManifestBasenameGlobs(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"deep/nested/notes.md": "x",
		"deep/nested/data.csv": "x",
	})

	// "*.md" has no slash yet still matches nested files by base name.
	m, err := BuildManifest(&models.DeploymentProfile{
		SourcePath: root,
		Include:    []string{"*.md"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"deep/nested/notes.md"}, manifestPaths(m))
}

func TestBuildManifestCarriesProfileOptions(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "x"})

	m, err := BuildManifest(&models.DeploymentProfile{
		SourcePath:    root,
		DeleteOrphans: true,
		FileMode:      "0600",
	})
	require.NoError(t, err)
	assert.True(t, m.DeleteOrphans)
	assert.Equal(t, "0600", m.FileMode)
}

func TestBuildManifestMissingSource(t *testing.T) {
	_, err := BuildManifest(&models.DeploymentProfile{
		SourcePath: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	assert.Error(t, err)
}

func TestMatchAgent(t *testing.T) {
	agent := &models.AgentInfo{
		ID:    "node-1",
		Name:  "builder-west",
		Group: "builders",
		Tags:  []string{"west", "ssd"},
	}

	cases := []struct {
		pattern string
		want    bool
	}{
		{"", true},
		{"group:builders", true},
		{"group:runners", false},
		{"tag:ssd", true},
		{"tag:gpu", false},
		{"builder-*", true},
		{"node-?", true},
		{"web-*", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchAgent(tc.pattern, agent), "pattern %q", tc.pattern)
	}
}
