package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/cmd/node/dispatch"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

func commandContext(params any) *dispatch.CommandContext {
	raw, _ := json.Marshal(params)
	return &dispatch.CommandContext{
		JobID:    "job-test",
		Request:  models.JobRequest{ID: "job-test", Parameters: raw},
		Progress: func(float64, string) {},
	}
}

func TestEchoReturnsParameters(t *testing.T) {
	cc := commandContext(map[string]any{"ping": "pong"})

	out, err := echoHandler(context.Background(), cc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ping":"pong"}`, string(out))
}

func TestCountStreamsClosedRange(t *testing.T) {
	cc := commandContext(map[string]int{"from": 3, "to": 5})

	var got []string
	err := countHandler(context.Background(), cc, func(data []byte) error {
		got = append(got, string(data))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "5"}, got)
}

func TestCountRejectsEmptyRange(t *testing.T) {
	cc := commandContext(map[string]int{"from": 5, "to": 1})

	err := countHandler(context.Background(), cc, func([]byte) error { return nil })
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))
}

func TestSleepRejectsBadDuration(t *testing.T) {
	cc := commandContext(map[string]string{"duration": "soon"})

	_, err := sleepHandler(context.Background(), cc)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))
}

func TestScriptRunsAndCapturesOutput(t *testing.T) {
	h := scriptHandler(logger.Discard())
	cc := commandContext(map[string]string{"script": "echo hello"})

	result, err := h(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, result.Status)
	assert.Equal(t, "hello\n", string(result.Data))
}

func TestScriptReportsFailureWithOutput(t *testing.T) {
	h := scriptHandler(logger.Discard())
	cc := commandContext(map[string]string{"script": "echo oops >&2; exit 3"})

	result, err := h(context.Background(), cc)
	require.NoError(t, err, "a failing script is a job failure, not a handler error")
	assert.Equal(t, models.JobFailed, result.Status)
	assert.Equal(t, "script_failed", result.ErrorCode)
	assert.Contains(t, string(result.Data), "oops")
}

func TestScriptRequiresScript(t *testing.T) {
	h := scriptHandler(logger.Discard())
	cc := commandContext(map[string]string{})

	_, err := h(context.Background(), cc)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))
}

func checksumOf(t *testing.T, content string) string {
	t.Helper()
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestSyncCopiesSkipsAndDeletes(t *testing.T) {
	source := t.TempDir()
	root := t.TempDir()

	writeFile(t, source, "app.conf", "port=8080")
	writeFile(t, source, "scripts/run.sh", "#!/bin/sh")
	// Already in sync: must be skipped.
	writeFile(t, root, "app.conf", "port=8080")
	// Not in the manifest: must be deleted.
	writeFile(t, root, "stale.log", "old")

	h := syncHandler(root, logger.Discard())
	cc := commandContext(syncParams{
		SourcePath: source,
		Manifest: &models.SyncManifest{
			DeleteOrphans: true,
			Files: []models.SyncFile{
				{Path: "app.conf", Size: 9, Checksum: checksumOf(t, "port=8080")},
				{Path: "scripts/run.sh", Size: 9, Checksum: checksumOf(t, "#!/bin/sh")},
			},
		},
	})

	result, err := h(context.Background(), cc)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, result.Status)

	var summary syncSummary
	require.NoError(t, json.Unmarshal(result.Data, &summary))
	assert.Equal(t, 1, summary.Copied)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Deleted)

	synced, err := os.ReadFile(filepath.Join(root, "scripts", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh", string(synced))
	_, err = os.Stat(filepath.Join(root, "stale.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestSyncOverwritesChangedFile(t *testing.T) {
	source := t.TempDir()
	root := t.TempDir()
	writeFile(t, source, "app.conf", "port=9090")
	writeFile(t, root, "app.conf", "port=8080")

	h := syncHandler(root, logger.Discard())
	cc := commandContext(syncParams{
		SourcePath: source,
		Manifest: &models.SyncManifest{
			Files: []models.SyncFile{
				{Path: "app.conf", Size: 9, Checksum: checksumOf(t, "port=9090")},
			},
		},
	})

	result, err := h(context.Background(), cc)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, result.Status)

	got, err := os.ReadFile(filepath.Join(root, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "port=9090", string(got))
}

func TestSyncRequiresManifest(t *testing.T) {
	h := syncHandler(t.TempDir(), logger.Discard())
	cc := commandContext(map[string]any{"source_path": "/tmp"})

	_, err := h(context.Background(), cc)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))
}
