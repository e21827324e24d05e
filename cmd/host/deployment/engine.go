package deployment

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/cmd/host/jobs"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// Commands dispatched to nodes by the deployment engine.
const (
	CommandRunScript = "script.run"
	CommandFileSync  = "files.sync"
)

// scriptPayload is the Parameters payload of a script.run job.
type scriptPayload struct {
	Script string `json:"script"`
}

// syncPayload is the Parameters payload of a files.sync job.
type syncPayload struct {
	SourcePath string               `json:"source_path"`
	Manifest   *models.SyncManifest `json:"manifest"`
}

// AgentSource is the registry view the deployment engine needs.
type AgentSource interface {
	List() []*models.AgentInfo
}

// Engine turns deployment profiles into per-node job sequences:
// pre-script, file-sync, post-script. Each node's deployment is tracked
// as one DeploymentExecution.
type Engine struct {
	profiles   ProfileStore
	executions ExecutionStore
	jobs       *jobs.Manager
	agents     AgentSource
	log        *logger.Logger
	poll       time.Duration
	jobTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // executionID → cancel
}

// Options configures a deployment engine.
type Options struct {
	Profiles   ProfileStore
	Executions ExecutionStore
	Jobs       *jobs.Manager
	Agents     AgentSource
	Logger     *logger.Logger
	// PollInterval paces job completion polling.
	PollInterval time.Duration
	// JobTimeout bounds each job in the sequence.
	JobTimeout time.Duration
}

// NewEngine creates a deployment engine.
func NewEngine(opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	return &Engine{
		profiles:   opts.Profiles,
		executions: opts.Executions,
		jobs:       opts.Jobs,
		agents:     opts.Agents,
		log:        opts.Logger,
		poll:       opts.PollInterval,
		jobTimeout: opts.JobTimeout,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Profiles exposes the profile store.
func (e *Engine) Profiles() ProfileStore { return e.profiles }

// Executions exposes the execution store.
func (e *Engine) Executions() ExecutionStore { return e.executions }

// MatchingAgents returns the schedulable agents selected by the
// profile's target pattern. Patterns: "group:<name>", "tag:<tag>", or a
// glob matched against agent name and id. Empty matches every agent.
func (e *Engine) MatchingAgents(profile *models.DeploymentProfile) []*models.AgentInfo {
	pattern := profile.TargetAgentPattern
	out := make([]*models.AgentInfo, 0)
	for _, a := range e.agents.List() {
		if !a.Schedulable() {
			continue
		}
		if matchAgent(pattern, a) {
			out = append(out, a)
		}
	}
	return out
}

func matchAgent(pattern string, a *models.AgentInfo) bool {
	switch {
	case pattern == "":
		return true
	case strings.HasPrefix(pattern, "group:"):
		return a.Group == strings.TrimPrefix(pattern, "group:")
	case strings.HasPrefix(pattern, "tag:"):
		want := strings.TrimPrefix(pattern, "tag:")
		for _, t := range a.Tags {
			if t == want {
				return true
			}
		}
		return false
	default:
		if ok, _ := path.Match(pattern, a.Name); ok {
			return true
		}
		ok, _ := path.Match(pattern, a.ID)
		return ok
	}
}

// Deploy builds the manifest once and launches one execution per
// matching node. Returns the created executions.
func (e *Engine) Deploy(ctx context.Context, profileID string) ([]*models.DeploymentExecution, error) {
	profile, err := e.profiles.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if !profile.Enabled {
		return nil, oerr.Newf(oerr.Conflict, "deployment profile %s is disabled", profileID)
	}

	manifest, err := BuildManifest(profile)
	if err != nil {
		return nil, oerr.Wrap(oerr.Validation, err, "manifest build failed")
	}

	agents := e.MatchingAgents(profile)
	if len(agents) == 0 {
		return nil, oerr.Newf(oerr.NotFound, "no agent matches pattern %q", profile.TargetAgentPattern)
	}

	executions := make([]*models.DeploymentExecution, 0, len(agents))
	for _, agent := range agents {
		exec := &models.DeploymentExecution{
			ID:           uuid.New().String(),
			ProfileID:    profile.ID,
			AgentID:      agent.ID,
			Phase:        models.PhaseStarting,
			ManifestHash: manifest.Hash(),
			StartedAt:    time.Now().UTC(),
		}
		if err := e.executions.SaveExecution(ctx, exec); err != nil {
			return nil, err
		}
		executions = append(executions, exec)

		execCtx, cancel := context.WithCancel(context.Background())
		e.mu.Lock()
		e.cancels[exec.ID] = cancel
		e.mu.Unlock()

		go e.runExecution(execCtx, profile, manifest, exec)
	}

	e.log.Info("deployment launched",
		"profile_id", profile.ID,
		"agents", len(agents),
		"manifest_hash", manifest.Hash(),
		"files", len(manifest.Files))
	return executions, nil
}

// CancelExecution aborts a running execution and cancels its current
// job.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if !ok {
		return oerr.Newf(oerr.NotFound, "deployment execution %s is not running", executionID)
	}
	cancel()

	exec, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	for _, jobID := range exec.JobIDs {
		if err := e.jobs.Cancel(ctx, jobID, "deployment cancelled"); err != nil {
			e.log.Debug("deployment job cancel", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// runExecution drives the pre-script → file-sync → post-script sequence
// for one node.
func (e *Engine) runExecution(ctx context.Context, profile *models.DeploymentProfile, manifest *models.SyncManifest, exec *models.DeploymentExecution) {
	defer func() {
		e.mu.Lock()
		delete(e.cancels, exec.ID)
		e.mu.Unlock()
	}()

	fail := func(phaseErr error) {
		now := time.Now().UTC()
		exec.Phase = models.PhaseFailed
		exec.Error = phaseErr.Error()
		exec.CompletedAt = &now
		e.saveExecution(exec)
		e.log.Warn("deployment execution failed",
			"execution_id", exec.ID,
			"profile_id", exec.ProfileID,
			"agent_id", exec.AgentID,
			"error", phaseErr)
	}

	if profile.PreScript != "" {
		exec.Phase = models.PhasePreScript
		e.saveExecution(exec)
		payload, _ := json.Marshal(scriptPayload{Script: profile.PreScript})
		if err := e.runJob(ctx, exec, CommandRunScript, payload); err != nil {
			fail(err)
			return
		}
	}

	exec.Phase = models.PhaseFileSync
	e.saveExecution(exec)
	payload, _ := json.Marshal(syncPayload{SourcePath: profile.SourcePath, Manifest: manifest})
	if err := e.runJob(ctx, exec, CommandFileSync, payload); err != nil {
		fail(err)
		return
	}

	if profile.PostScript != "" {
		exec.Phase = models.PhasePostScript
		e.saveExecution(exec)
		payload, _ := json.Marshal(scriptPayload{Script: profile.PostScript})
		if err := e.runJob(ctx, exec, CommandRunScript, payload); err != nil {
			fail(err)
			return
		}
	}

	now := time.Now().UTC()
	exec.Phase = models.PhaseCompleted
	exec.CompletedAt = &now
	e.saveExecution(exec)
	e.log.Info("deployment execution completed",
		"execution_id", exec.ID,
		"profile_id", exec.ProfileID,
		"agent_id", exec.AgentID)
}

// runJob enqueues one job of the sequence and waits for its terminal
// state.
func (e *Engine) runJob(ctx context.Context, exec *models.DeploymentExecution, command string, payload []byte) error {
	job, err := e.jobs.Enqueue(models.JobRequest{
		Command:       command,
		Parameters:    payload,
		TargetAgentID: exec.AgentID,
		Timeout:       e.jobTimeout,
		CorrelationID: exec.ID,
		Metadata: map[string]string{
			"deployment_execution_id": exec.ID,
			"deployment_profile_id":   exec.ProfileID,
		},
	})
	if err != nil {
		return err
	}
	exec.JobIDs = append(exec.JobIDs, job.Request.ID)
	e.saveExecution(exec)

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return oerr.New(oerr.Transient, "deployment cancelled")
		case <-ticker.C:
		}

		current, err := e.jobs.Get(job.Request.ID)
		if err != nil {
			return err
		}
		if !current.Status.Terminal() {
			continue
		}
		if current.Status == models.JobCompleted {
			return nil
		}
		msg := string(current.Status)
		if current.Result != nil && current.Result.Error != "" {
			msg = current.Result.Error
		}
		return oerr.Newf(oerr.Handler, "%s job ended %s: %s", command, current.Status, msg)
	}
}

// Status summarises executions per phase for the status endpoint.
func (e *Engine) Status(ctx context.Context) (map[models.DeploymentPhase]int, error) {
	executions, _, err := e.executions.ListExecutions(ctx, "", 0, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[models.DeploymentPhase]int)
	for _, exec := range executions {
		out[exec.Phase]++
	}
	return out, nil
}

func (e *Engine) saveExecution(exec *models.DeploymentExecution) {
	if err := e.executions.SaveExecution(context.Background(), exec); err != nil {
		e.log.Error("execution persistence failed", "execution_id", exec.ID, "error", err)
	}
}
