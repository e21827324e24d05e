package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
	"github.com/orbitmesh/orbitmesh/common/transport"
)

// Listener receives job lifecycle events for the dashboard push channel.
type Listener func(event string, job *models.Job)

// ProgressSink receives accepted progress reports.
type ProgressSink interface {
	Ingest(progress *models.JobProgress)
	Clear(jobID string)
}

// legalTransitions is the only permitted job status graph. Requeue paths
// (Failed|TimedOut → Pending) are handled explicitly by requeueLocked.
var legalTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobPending:      {models.JobAssigned, models.JobCancelled},
	models.JobAssigned:     {models.JobAcknowledged, models.JobCancelled, models.JobPending},
	models.JobAcknowledged: {models.JobRunning, models.JobCancelled, models.JobTimedOut},
	models.JobRunning:      {models.JobCompleted, models.JobFailed, models.JobTimedOut, models.JobCancelled},
}

func canTransition(from, to models.JobStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Options configures a job manager.
type Options struct {
	AckDeadline       time.Duration
	MaxTimeoutRetries int
	Logger            *logger.Logger
	Progress          ProgressSink
}

// Manager owns the job store, the idempotency index, the pending queue
// and the dead letter. All state transitions for one job are serialised
// behind the manager lock.
type Manager struct {
	mu            sync.Mutex
	jobs          map[string]*models.Job
	byIdempotency map[string]string // idempotency key → live job id
	queue         *pendingQueue
	deadLetter    *DeadLetter
	excluded      map[string]map[string]struct{} // jobID → agents that failed it

	ackDeadline       time.Duration
	maxTimeoutRetries int
	commander         transport.Commander
	progress          ProgressSink
	listeners         []Listener
	log               *logger.Logger
}

// NewManager creates a job manager.
func NewManager(opts Options) *Manager {
	if opts.AckDeadline <= 0 {
		opts.AckDeadline = 30 * time.Second
	}
	return &Manager{
		jobs:              make(map[string]*models.Job),
		byIdempotency:     make(map[string]string),
		queue:             newPendingQueue(),
		deadLetter:        NewDeadLetter(),
		excluded:          make(map[string]map[string]struct{}),
		ackDeadline:       opts.AckDeadline,
		maxTimeoutRetries: opts.MaxTimeoutRetries,
		progress:          opts.Progress,
		log:               opts.Logger,
	}
}

// SetCommander wires the transport used for CancelJob pushes.
func (m *Manager) SetCommander(c transport.Commander) {
	m.commander = c
}

// OnEvent subscribes a lifecycle event listener.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// DeadLetter exposes the dead letter store.
func (m *Manager) DeadLetter() *DeadLetter {
	return m.deadLetter
}

// Enqueue creates a job for the request, or returns the existing live job
// when the idempotency key already maps to a non-terminal one.
func (m *Manager) Enqueue(req models.JobRequest) (*models.Job, error) {
	if req.Command == "" {
		return nil, oerr.New(oerr.Validation, "command is required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = req.ID
		req.CallerKeyed = false
	} else {
		req.CallerKeyed = true
	}
	if req.Pattern == "" {
		req.Pattern = models.PatternRequestResponse
	}

	m.mu.Lock()
	if liveID, ok := m.byIdempotency[req.IdempotencyKey]; ok {
		if existing, ok := m.jobs[liveID]; ok && !existing.Status.Terminal() {
			m.mu.Unlock()
			m.log.Debug("idempotent enqueue collapsed", "job_id", liveID, "idempotency_key", req.IdempotencyKey)
			return cloneJob(existing), nil
		}
	}
	if _, exists := m.jobs[req.ID]; exists {
		m.mu.Unlock()
		return nil, oerr.Newf(oerr.Conflict, "job %s already exists", req.ID)
	}

	job := &models.Job{
		Request:   req,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[req.ID] = job
	m.byIdempotency[req.IdempotencyKey] = req.ID
	m.queue.push(job)
	snapshot := cloneJob(job)
	m.mu.Unlock()

	m.emit(models.EventJobCreated, snapshot)
	m.log.Info("job enqueued", "job_id", req.ID, "command", req.Command, "priority", req.Priority)
	return snapshot, nil
}

// Get returns a copy of one job.
func (m *Manager) Get(id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "job %s not found", id)
	}
	return cloneJob(job), nil
}

// GetByStatus returns copies of jobs in the given status.
func (m *Manager) GetByStatus(status models.JobStatus) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Job, 0)
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

// GetByAgent returns copies of jobs currently held by an agent.
func (m *Manager) GetByAgent(agentID string) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Job, 0)
	for _, j := range m.jobs {
		if j.AssignedAgentID == agentID && !j.Status.Terminal() {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

// List returns copies of every job.
func (m *Manager) List() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	return out
}

// DequeueNextForAgent removes and returns the highest-priority pending
// job the agent's offer satisfies, or nil. The job stays Pending until
// Assign; SendFailed returns it to the queue.
func (m *Manager) DequeueNextForAgent(agent *models.AgentInfo) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.queue.popMatching(func(j *models.Job) bool {
		if j.Request.TargetAgentID != "" && j.Request.TargetAgentID != agent.ID {
			return false
		}
		if excl, ok := m.excluded[j.Request.ID]; ok {
			if _, bad := excl[agent.ID]; bad {
				return false
			}
		}
		return agent.HasCapabilities(j.Request.RequiredCapabilities) &&
			agent.HasTags(j.Request.RequiredTags)
	})
	if job == nil {
		return nil
	}
	return cloneJob(job)
}

// DequeueDispatchable removes and returns the highest-priority pending
// job for which candidatesFor yields at least one node, along with those
// candidates. The excluded set holds agents that already failed the job.
func (m *Manager) DequeueDispatchable(candidatesFor func(job *models.Job, excluded map[string]struct{}) []*models.AgentInfo) (*models.Job, []*models.AgentInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []*models.AgentInfo
	job := m.queue.popMatching(func(j *models.Job) bool {
		candidates := candidatesFor(j, m.excluded[j.Request.ID])
		if len(candidates) == 0 {
			return false
		}
		found = candidates
		return true
	})
	if job == nil {
		return nil, nil
	}
	return cloneJob(job), found
}

// DequeueNext removes and returns the highest-priority pending job
// regardless of capabilities, or nil.
func (m *Manager) DequeueNext() *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.queue.popMatching(func(*models.Job) bool { return true })
	if job == nil {
		return nil
	}
	return cloneJob(job)
}

// Assign transitions a dequeued job Pending→Assigned.
func (m *Manager) Assign(id, agentID string) error {
	return m.transition(id, models.JobAssigned, func(job *models.Job, now time.Time) {
		job.AssignedAgentID = agentID
		job.AssignedAt = &now
	})
}

// SendFailed returns an assigned-but-undelivered job to the queue and
// excludes the failed agent from the next attempt.
func (m *Manager) SendFailed(id, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return oerr.Newf(oerr.NotFound, "job %s not found", id)
	}
	if job.Status != models.JobAssigned && job.Status != models.JobPending {
		return nil
	}

	m.excludeAgentLocked(id, agentID)
	m.revertToPendingLocked(job)
	return nil
}

// Acknowledge transitions Assigned→Acknowledged when the reporting agent
// holds the job.
func (m *Manager) Acknowledge(id, agentID string) error {
	return m.transition(id, models.JobAcknowledged, func(job *models.Job, now time.Time) {
		job.AcknowledgedAt = &now
	}, func(job *models.Job) error {
		if job.AssignedAgentID != agentID {
			return oerr.Newf(oerr.Conflict, "job %s is not assigned to agent %s", id, agentID)
		}
		return nil
	})
}

// MarkRunning transitions Acknowledged→Running on the first running or
// progress report.
func (m *Manager) MarkRunning(id string) error {
	return m.transition(id, models.JobRunning, nil)
}

// Complete records a successful terminal result. Duplicate terminal
// reports are accepted idempotently.
func (m *Manager) Complete(id string, result *models.JobResult) error {
	return m.finish(id, models.JobCompleted, result)
}

// Fail records a failed terminal result without applying retry policy.
func (m *Manager) Fail(id, errMsg, errCode string) error {
	return m.finish(id, models.JobFailed, &models.JobResult{
		JobID:      id,
		Status:     models.JobFailed,
		Error:      errMsg,
		ErrorCode:  errCode,
		FinishedAt: time.Now().UTC(),
	})
}

// HandleResult ingests a node-reported terminal result and applies the
// retry and dead letter policy.
func (m *Manager) HandleResult(result *models.JobResult) {
	if result == nil {
		return
	}

	switch result.Status {
	case models.JobCompleted:
		if err := m.Complete(result.JobID, result); err != nil {
			m.log.Warn("completion rejected", "job_id", result.JobID, "error", err)
		}
	case models.JobFailed:
		if err := m.finish(result.JobID, models.JobFailed, result); err != nil {
			m.log.Warn("failure rejected", "job_id", result.JobID, "error", err)
			return
		}
		m.retryOrDeadLetter(result.JobID)
	case models.JobCancelled:
		_ = m.Cancel(context.Background(), result.JobID, result.Error)
	case models.JobTimedOut:
		if err := m.finish(result.JobID, models.JobTimedOut, result); err != nil {
			m.log.Warn("timeout report rejected", "job_id", result.JobID, "error", err)
			return
		}
		m.applyTimeoutPolicy(result.JobID)
	default:
		m.log.Warn("non-terminal result report ignored", "job_id", result.JobID, "status", result.Status)
	}
}

// retryOrDeadLetter requeues a failed job when retry budget remains,
// otherwise dead-letters it.
func (m *Manager) retryOrDeadLetter(id string) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.JobFailed {
		m.mu.Unlock()
		return
	}

	if job.RetryCount < job.Request.MaxRetries {
		if job.AssignedAgentID != "" {
			m.excludeAgentLocked(id, job.AssignedAgentID)
		}
		job.RetryCount++
		m.revertToPendingLocked(job)
		m.mu.Unlock()
		m.log.Info("job requeued after failure", "job_id", id, "retry_count", job.RetryCount)
		return
	}

	snapshot := cloneJob(job)
	delete(m.byIdempotency, job.Request.IdempotencyKey)
	m.mu.Unlock()

	m.deadLetter.Add(snapshot, "retries exhausted")
	m.log.Warn("job dead-lettered", "job_id", id, "reason", "retries exhausted")
}

// Cancel transitions a non-terminal job to Cancelled and pushes CancelJob
// to the holding node.
func (m *Manager) Cancel(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return oerr.Newf(oerr.NotFound, "job %s not found", id)
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}

	if job.Status == models.JobPending {
		m.queue.remove(id)
	}

	now := time.Now().UTC()
	job.Status = models.JobCancelled
	job.CompletedAt = &now
	job.Result = &models.JobResult{
		JobID:      id,
		Status:     models.JobCancelled,
		Error:      reason,
		FinishedAt: now,
	}
	delete(m.byIdempotency, job.Request.IdempotencyKey)
	agentID := job.AssignedAgentID
	snapshot := cloneJob(job)
	m.mu.Unlock()

	if agentID != "" && m.commander != nil {
		cmd := &transport.Command{Kind: transport.CmdCancelJob, JobID: id, Reason: reason}
		if err := m.commander.Send(ctx, agentID, cmd); err != nil {
			m.log.Warn("cancel command send failed", "job_id", id, "agent_id", agentID, "error", err)
		}
	}
	if m.progress != nil {
		m.progress.Clear(id)
	}

	m.emit(models.EventJobStatusChanged, snapshot)
	m.log.Info("job cancelled", "job_id", id, "reason", reason)
	return nil
}

// Requeue returns a Failed or TimedOut job to Pending, consuming one
// unit of its retry budget. Jobs with no budget left are rejected;
// those live in the dead letter queue and resubmit through
// RetryDeadLetter instead.
func (m *Manager) Requeue(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return oerr.Newf(oerr.NotFound, "job %s not found", id)
	}
	if job.Status != models.JobFailed && job.Status != models.JobTimedOut {
		m.mu.Unlock()
		return oerr.Newf(oerr.Conflict, "job %s is %s, not requeueable", id, job.Status)
	}
	if job.RetryCount >= job.Request.MaxRetries {
		m.mu.Unlock()
		return oerr.Newf(oerr.Conflict, "job %s has no retry budget left", id)
	}

	job.RetryCount++
	m.revertToPendingLocked(job)
	m.mu.Unlock()
	return nil
}

// applyTimeoutPolicy runs the timeout retry budget against a TimedOut
// job, requeueing or dead-lettering it. Node-reported timeouts and
// sweeper-detected ones go through the same policy. When no
// manager-wide cap is configured the budget falls back to the job's
// MaxRetries.
func (m *Manager) applyTimeoutPolicy(id string) {
	job, err := m.Get(id)
	if err != nil {
		return
	}
	budget := m.maxTimeoutRetries
	if budget <= 0 {
		budget = job.Request.MaxRetries
	}
	if err := m.RequeueForTimeout(id, budget); err != nil {
		m.log.Debug("timeout requeue skipped", "job_id", id, "error", err)
	}
}

// RequeueForTimeout returns a TimedOut job to Pending while the timeout
// retry budget lasts; otherwise it is dead-lettered.
func (m *Manager) RequeueForTimeout(id string, maxTimeoutRetries int) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return oerr.Newf(oerr.NotFound, "job %s not found", id)
	}
	if job.Status != models.JobTimedOut {
		m.mu.Unlock()
		return oerr.Newf(oerr.Conflict, "job %s is %s, not timed out", id, job.Status)
	}

	if job.TimeoutRetryCount < maxTimeoutRetries {
		job.TimeoutRetryCount++
		m.revertToPendingLocked(job)
		m.mu.Unlock()
		m.log.Info("job requeued after timeout", "job_id", id, "timeout_retry_count", job.TimeoutRetryCount)
		return nil
	}

	snapshot := cloneJob(job)
	delete(m.byIdempotency, job.Request.IdempotencyKey)
	m.mu.Unlock()

	m.deadLetter.Add(snapshot, "timeout exhausted")
	m.log.Warn("job dead-lettered", "job_id", id, "reason", "timeout exhausted")
	return nil
}

// UpdateProgress ingests a progress report, clamping the percentage and
// promoting Acknowledged jobs to Running.
func (m *Manager) UpdateProgress(progress *models.JobProgress) {
	if progress == nil {
		return
	}
	progress.Clamp()
	if progress.Timestamp.IsZero() {
		progress.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	job, ok := m.jobs[progress.JobID]
	if !ok || job.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	promoted := false
	if job.Status == models.JobAcknowledged {
		job.Status = models.JobRunning
		promoted = true
	}
	snapshot := cloneJob(job)
	m.mu.Unlock()

	if m.progress != nil {
		m.progress.Ingest(progress)
	}
	if promoted {
		m.emit(models.EventJobStatusChanged, snapshot)
	}
	m.emit(models.EventJobProgress, snapshot)
}

// HandleAgentDisconnect reassigns jobs held by a disconnected node when
// the caller supplied the idempotency key, and dead-letters the rest.
func (m *Manager) HandleAgentDisconnect(agentID string) {
	m.mu.Lock()
	held := make([]*models.Job, 0)
	for _, j := range m.jobs {
		if j.AssignedAgentID == agentID && !j.Status.Terminal() && j.Status != models.JobPending {
			held = append(held, j)
		}
	}

	deadLettered := make([]*models.Job, 0)
	for _, job := range held {
		if job.Request.CallerKeyed {
			m.excludeAgentLocked(job.Request.ID, agentID)
			m.revertToPendingLocked(job)
		} else {
			now := time.Now().UTC()
			job.Status = models.JobFailed
			job.CompletedAt = &now
			job.Result = &models.JobResult{
				JobID:      job.Request.ID,
				Status:     models.JobFailed,
				Error:      "assigned agent disconnected",
				FinishedAt: now,
			}
			delete(m.byIdempotency, job.Request.IdempotencyKey)
			deadLettered = append(deadLettered, cloneJob(job))
		}
	}
	m.mu.Unlock()

	for _, job := range deadLettered {
		m.deadLetter.Add(job, "agent disconnected holding non-idempotent job")
		m.emit(models.EventJobFailed, job)
	}
	if len(held) > 0 {
		m.log.Info("reconciled jobs for disconnected agent",
			"agent_id", agentID,
			"held", len(held),
			"dead_lettered", len(deadLettered))
	}
}

// RetryDeadLetter re-emits a dead letter entry to the main queue.
func (m *Manager) RetryDeadLetter(entryID string) (*models.Job, error) {
	entry, err := m.deadLetter.MarkRetry(entryID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	job, ok := m.jobs[entry.Job.Request.ID]
	if !ok {
		// The job record was evicted; recreate it from the entry.
		job = entry.Job
		m.jobs[job.Request.ID] = job
	}
	job.RetryCount = 0
	job.TimeoutRetryCount = 0
	delete(m.excluded, job.Request.ID)
	m.byIdempotency[job.Request.IdempotencyKey] = job.Request.ID
	m.revertToPendingLocked(job)
	snapshot := cloneJob(job)
	m.mu.Unlock()

	m.log.Info("dead letter entry requeued", "job_id", snapshot.Request.ID, "entry_id", entryID)
	return snapshot, nil
}

// QueueDepth returns the number of pending jobs in the queue.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// transition applies a guarded status change under the manager lock.
func (m *Manager) transition(id string, to models.JobStatus, apply func(*models.Job, time.Time), guards ...func(*models.Job) error) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return oerr.Newf(oerr.NotFound, "job %s not found", id)
	}
	if job.Status == to {
		m.mu.Unlock()
		return nil
	}
	if !canTransition(job.Status, to) {
		m.mu.Unlock()
		return oerr.Newf(oerr.Conflict, "job %s: illegal transition %s → %s", id, job.Status, to).WithCode("illegal_transition")
	}
	for _, guard := range guards {
		if err := guard(job); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	now := time.Now().UTC()
	job.Status = to
	if apply != nil {
		apply(job, now)
	}
	snapshot := cloneJob(job)
	m.mu.Unlock()

	m.emit(models.EventJobStatusChanged, snapshot)
	return nil
}

// finish applies a terminal transition, promoting Assigned/Acknowledged
// through Running so the recorded path stays legal. Duplicate terminal
// reports are ignored.
func (m *Manager) finish(id string, to models.JobStatus, result *models.JobResult) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return oerr.Newf(oerr.NotFound, "job %s not found", id)
	}
	if job.Status.Terminal() {
		// Late or duplicate terminal report.
		m.mu.Unlock()
		return nil
	}
	if job.Status == models.JobPending && to != models.JobTimedOut {
		m.mu.Unlock()
		return oerr.Newf(oerr.Conflict, "job %s is pending, cannot finish as %s", id, to).WithCode("illegal_transition")
	}

	now := time.Now().UTC()
	if job.Status == models.JobAssigned {
		job.Status = models.JobAcknowledged
		job.AcknowledgedAt = &now
	}
	if job.Status == models.JobAcknowledged {
		job.Status = models.JobRunning
	}
	if job.Status == models.JobPending {
		m.queue.remove(id)
	}

	job.Status = to
	job.CompletedAt = &now
	if result != nil {
		if result.FinishedAt.IsZero() {
			result.FinishedAt = now
		}
		job.Result = result
	}
	if to == models.JobCompleted {
		delete(m.byIdempotency, job.Request.IdempotencyKey)
	}
	snapshot := cloneJob(job)
	m.mu.Unlock()

	if m.progress != nil {
		m.progress.Clear(id)
	}

	switch to {
	case models.JobCompleted:
		m.emit(models.EventJobCompleted, snapshot)
	case models.JobFailed, models.JobTimedOut:
		m.emit(models.EventJobFailed, snapshot)
	default:
		m.emit(models.EventJobStatusChanged, snapshot)
	}
	return nil
}

// revertToPendingLocked puts a job back in the queue with cleared
// assignment fields. Caller holds the lock.
func (m *Manager) revertToPendingLocked(job *models.Job) {
	job.Status = models.JobPending
	job.AssignedAgentID = ""
	job.AssignedAt = nil
	job.AcknowledgedAt = nil
	job.CompletedAt = nil
	job.Result = nil
	m.byIdempotency[job.Request.IdempotencyKey] = job.Request.ID
	m.queue.push(job)
}

func (m *Manager) excludeAgentLocked(jobID, agentID string) {
	set, ok := m.excluded[jobID]
	if !ok {
		set = make(map[string]struct{})
		m.excluded[jobID] = set
	}
	set[agentID] = struct{}{}
}

// ExcludedAgents returns the agents that already failed a job.
func (m *Manager) ExcludedAgents(jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.excluded[jobID]))
	for id := range m.excluded[jobID] {
		out = append(out, id)
	}
	return out
}

func (m *Manager) emit(event string, job *models.Job) {
	m.mu.Lock()
	listeners := m.listeners
	m.mu.Unlock()

	for _, l := range listeners {
		l(event, job)
	}
}

func cloneJob(job *models.Job) *models.Job {
	c := *job
	return &c
}
