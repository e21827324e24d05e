package deployment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/orbitmesh/orbitmesh/common/models"
)

// BuildManifest walks the profile's source path and produces the sync
// manifest. Include/exclude patterns match against the slash-separated
// path relative to the source root; excludes win.
func BuildManifest(profile *models.DeploymentProfile) (*models.SyncManifest, error) {
	manifest := &models.SyncManifest{
		DeleteOrphans: profile.DeleteOrphans,
		FileMode:      profile.FileMode,
	}

	root := profile.SourcePath
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchesPatterns(rel, profile.Include, profile.Exclude) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		checksum, err := fileChecksum(p)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, models.SyncFile{
			Path:     rel,
			Size:     info.Size(),
			Checksum: checksum,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest for %s: %w", root, err)
	}
	return manifest, nil
}

// matchesPatterns applies include then exclude globs. An empty include
// list matches everything.
func matchesPatterns(rel string, include, exclude []string) bool {
	included := len(include) == 0
	for _, pattern := range include {
		if globMatch(pattern, rel) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range exclude {
		if globMatch(pattern, rel) {
			return false
		}
	}
	return true
}

// globMatch matches the whole relative path, any path segment, or a
// directory prefix ("build/" style patterns).
func globMatch(pattern, rel string) bool {
	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}
	if ok, _ := path.Match(pattern, path.Base(rel)); ok {
		return true
	}
	if strings.HasSuffix(pattern, "/") && strings.HasPrefix(rel, pattern) {
		return true
	}
	return false
}

func fileChecksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
