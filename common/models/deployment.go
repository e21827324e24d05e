package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// DeploymentProfile watches a local source path and deploys it to
// matching nodes as a pre-script / file-sync / post-script job sequence.
type DeploymentProfile struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	SourcePath         string        `json:"source_path"`
	TargetAgentPattern string        `json:"target_agent_pattern"`
	Include            []string      `json:"include,omitempty"`
	Exclude            []string      `json:"exclude,omitempty"`
	DeleteOrphans      bool          `json:"delete_orphans,omitempty"`
	FileMode           string        `json:"file_mode,omitempty"`
	PreScript          string        `json:"pre_script,omitempty"`
	PostScript         string        `json:"post_script,omitempty"`
	Debounce           time.Duration `json:"debounce,omitempty"`
	Enabled            bool          `json:"enabled"`
	CreatedAt          time.Time     `json:"created_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at,omitempty"`
}

// DeploymentPhase tracks progress of one execution.
type DeploymentPhase string

const (
	PhaseStarting   DeploymentPhase = "starting"
	PhasePreScript  DeploymentPhase = "pre_script"
	PhaseFileSync   DeploymentPhase = "file_sync"
	PhasePostScript DeploymentPhase = "post_script"
	PhaseCompleted  DeploymentPhase = "completed"
	PhaseFailed     DeploymentPhase = "failed"
)

// Terminal reports whether the phase is absorbing.
func (p DeploymentPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// DeploymentExecution is one deployment of a profile to one node.
type DeploymentExecution struct {
	ID           string          `json:"id"`
	ProfileID    string          `json:"profile_id"`
	AgentID      string          `json:"agent_id"`
	Phase        DeploymentPhase `json:"phase"`
	ManifestHash string          `json:"manifest_hash,omitempty"`
	JobIDs       []string        `json:"job_ids,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// SyncFile is one file in a sync manifest.
type SyncFile struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// SyncManifest is the content listing shipped with a file-sync job.
type SyncManifest struct {
	Files         []SyncFile `json:"files"`
	DeleteOrphans bool       `json:"delete_orphans,omitempty"`
	FileMode      string     `json:"file_mode,omitempty"`
}

// Hash returns a content-addressed digest of the manifest. The digest is
// order-invariant: identical file sets in any order hash identically, and
// any change in path, size or checksum changes it.
func (m *SyncManifest) Hash() string {
	lines := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		lines = append(lines, fmt.Sprintf("%s\x00%d\x00%s", f.Path, f.Size, f.Checksum))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
