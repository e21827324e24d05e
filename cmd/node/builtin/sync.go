package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/orbitmesh/orbitmesh/cmd/node/dispatch"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

type syncParams struct {
	SourcePath string               `json:"source_path"`
	Manifest   *models.SyncManifest `json:"manifest"`
}

type syncSummary struct {
	Copied  int `json:"copied"`
	Skipped int `json:"skipped"`
	Deleted int `json:"deleted"`
}

// syncHandler applies a file-sync manifest: files whose checksum
// already matches are skipped, the rest are copied from the source
// path, and orphans are optionally removed. The source path must be
// reachable from the node (shared or mounted storage).
func syncHandler(root string, log *logger.Logger) dispatch.LongRunningHandler {
	return func(ctx context.Context, cc *dispatch.CommandContext) (*models.JobResult, error) {
		var params syncParams
		if err := json.Unmarshal(cc.Request.Parameters, &params); err != nil {
			return nil, oerr.Wrap(oerr.Validation, err, "invalid sync parameters")
		}
		if params.Manifest == nil {
			return nil, oerr.New(oerr.Validation, "sync manifest is required")
		}

		log.Info("file sync starting",
			"job_id", cc.JobID,
			"files", len(params.Manifest.Files),
			"root", root)

		summary := syncSummary{}
		total := len(params.Manifest.Files)
		wanted := make(map[string]struct{}, total)

		for i, file := range params.Manifest.Files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			wanted[file.Path] = struct{}{}

			dest := filepath.Join(root, filepath.FromSlash(file.Path))
			if current, err := fileChecksum(dest); err == nil && current == file.Checksum {
				summary.Skipped++
				continue
			}

			src := filepath.Join(params.SourcePath, filepath.FromSlash(file.Path))
			if err := copyFile(src, dest, params.Manifest.FileMode); err != nil {
				return nil, oerr.Wrap(oerr.Handler, err, "copying "+file.Path).WithCode("sync_copy_failed")
			}
			summary.Copied++
			cc.Progress(float64(i+1)*100/float64(total), "syncing "+file.Path)
		}

		if params.Manifest.DeleteOrphans {
			deleted, err := deleteOrphans(root, wanted)
			if err != nil {
				return nil, oerr.Wrap(oerr.Handler, err, "deleting orphans").WithCode("sync_delete_failed")
			}
			summary.Deleted = deleted
		}

		data, _ := json.Marshal(summary)
		log.Info("file sync finished",
			"job_id", cc.JobID,
			"copied", summary.Copied,
			"skipped", summary.Skipped,
			"deleted", summary.Deleted)
		return &models.JobResult{Status: models.JobCompleted, Data: data}, nil
	}
}

func copyFile(src, dest, mode string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	perm := os.FileMode(0o644)
	if mode != "" {
		if parsed, err := strconv.ParseUint(mode, 8, 32); err == nil {
			perm = os.FileMode(parsed)
		}
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func deleteOrphans(root string, wanted map[string]struct{}) (int, error) {
	deleted := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if _, ok := wanted[filepath.ToSlash(rel)]; ok {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return err
		}
		deleted++
		return nil
	})
	return deleted, err
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
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
