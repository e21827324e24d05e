package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

func newTestManager(opts ...func(*Options)) *Manager {
	o := Options{
		AckDeadline: time.Second,
		Logger:      logger.Discard(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewManager(o)
}

// recordingSink captures progress reports handed to the sink.
type recordingSink struct {
	mu       sync.Mutex
	ingested []*models.JobProgress
	cleared  []string
}

func (s *recordingSink) Ingest(p *models.JobProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingested = append(s.ingested, p)
}

func (s *recordingSink) Clear(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, jobID)
}

func TestEnqueueRequiresCommand(t *testing.T) {
	m := newTestManager()
	_, err := m.Enqueue(models.JobRequest{})
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))
}

func TestEnqueueIdempotentCollapse(t *testing.T) {
	m := newTestManager()

	first, err := m.Enqueue(models.JobRequest{Command: "echo", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	second, err := m.Enqueue(models.JobRequest{Command: "echo", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, first.Request.ID, second.Request.ID, "same key must collapse to the live job")
	assert.Equal(t, 1, m.QueueDepth())

	// Terminal jobs release the key.
	require.NoError(t, m.Assign(first.Request.ID, "node-a"))
	require.NoError(t, m.Acknowledge(first.Request.ID, "node-a"))
	require.NoError(t, m.Complete(first.Request.ID, &models.JobResult{JobID: first.Request.ID, Status: models.JobCompleted}))

	third, err := m.Enqueue(models.JobRequest{Command: "echo", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Request.ID, third.Request.ID)
}

func TestLifecyclePath(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "echo"})
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)

	dequeued := m.DequeueNext()
	require.NotNil(t, dequeued)
	assert.Equal(t, job.Request.ID, dequeued.Request.ID)

	require.NoError(t, m.Assign(job.Request.ID, "node-a"))
	require.NoError(t, m.Acknowledge(job.Request.ID, "node-a"))
	require.NoError(t, m.MarkRunning(job.Request.ID))
	require.NoError(t, m.Complete(job.Request.ID, &models.JobResult{JobID: job.Request.ID, Status: models.JobCompleted}))

	final, err := m.Get(job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
	assert.NotNil(t, final.AssignedAt)
	assert.NotNil(t, final.AcknowledgedAt)
	assert.NotNil(t, final.CompletedAt)

	// Duplicate terminal reports are idempotent.
	require.NoError(t, m.Complete(job.Request.ID, &models.JobResult{JobID: job.Request.ID, Status: models.JobCompleted}))
	require.NoError(t, m.Fail(job.Request.ID, "late failure", ""))
	final, err = m.Get(job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, final.Status)
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "echo"})
	require.NoError(t, err)

	// Pending → Acknowledged skips Assigned.
	err = m.Acknowledge(job.Request.ID, "node-a")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Conflict))
	assert.Equal(t, "illegal_transition", oerr.CodeOf(err))

	got, err := m.Get(job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
}

func TestAcknowledgeWrongAgent(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "echo"})
	require.NoError(t, err)
	require.NoError(t, m.Assign(job.Request.ID, "node-a"))

	err = m.Acknowledge(job.Request.ID, "node-b")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Conflict))
}

func TestRetryThenDeadLetter(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "flaky", MaxRetries: 2})
	require.NoError(t, err)
	id := job.Request.ID

	failOnce := func(agentID string) {
		require.NoError(t, m.Assign(id, agentID))
		require.NoError(t, m.Acknowledge(id, agentID))
		m.HandleResult(&models.JobResult{JobID: id, Status: models.JobFailed, Error: "boom"})
	}

	failOnce("node-a")
	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, m.ExcludedAgents(id), "node-a")

	failOnce("node-b")
	got, err = m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	// Third failure exhausts the budget.
	failOnce("node-c")
	got, err = m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)

	entries := m.DeadLetter().List()
	require.Len(t, entries, 1)
	assert.Equal(t, "retries exhausted", entries[0].Reason)
	assert.Equal(t, id, entries[0].Job.Request.ID)
}

func TestCancelPendingRemovesFromQueue(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "echo"})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(context.Background(), job.Request.ID, "operator"))

	assert.Equal(t, 0, m.QueueDepth())
	assert.Nil(t, m.DequeueNext())

	got, err := m.Get(job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "operator", got.Result.Error)

	// Cancelling a terminal job is a no-op.
	require.NoError(t, m.Cancel(context.Background(), job.Request.ID, "again"))
}

func TestAckDeadlineSweepRevertsAndExcludes(t *testing.T) {
	m := newTestManager(func(o *Options) { o.AckDeadline = 10 * time.Millisecond })

	job, err := m.Enqueue(models.JobRequest{Command: "echo"})
	require.NoError(t, err)
	require.NoError(t, m.Assign(job.Request.ID, "node-a"))

	m.sweepAckDeadlines(time.Now().UTC().Add(20 * time.Millisecond))

	got, err := m.Get(job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Empty(t, got.AssignedAgentID)
	assert.Contains(t, m.ExcludedAgents(job.Request.ID), "node-a")
	assert.Equal(t, 1, m.QueueDepth())
}

func TestTimeoutSweepDeadLetters(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "slow", Timeout: 5 * time.Millisecond})
	require.NoError(t, err)
	id := job.Request.ID
	require.NoError(t, m.Assign(id, "node-a"))
	require.NoError(t, m.Acknowledge(id, "node-a"))

	m.sweepTimeouts(time.Now().UTC().Add(50 * time.Millisecond))

	entries := m.DeadLetter().List()
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout exhausted", entries[0].Reason)

	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobTimedOut, got.Status)
}

func TestTimeoutSweepHonoursRetryBudget(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "slow", Timeout: 5 * time.Millisecond, MaxRetries: 1})
	require.NoError(t, err)
	id := job.Request.ID
	require.NoError(t, m.Assign(id, "node-a"))
	require.NoError(t, m.Acknowledge(id, "node-a"))

	m.sweepTimeouts(time.Now().UTC().Add(50 * time.Millisecond))

	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 1, got.TimeoutRetryCount)
	assert.Equal(t, 0, m.DeadLetter().Size())
}

func TestNodeReportedTimeoutDeadLetters(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "slow", Timeout: time.Second, MaxRetries: 0})
	require.NoError(t, err)
	id := job.Request.ID
	require.NoError(t, m.Assign(id, "node-a"))
	require.NoError(t, m.Acknowledge(id, "node-a"))

	// The node reports the timeout itself, before the sweeper notices.
	m.HandleResult(&models.JobResult{JobID: id, Status: models.JobTimedOut, Error: "deadline exceeded"})

	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobTimedOut, got.Status)

	entries := m.DeadLetter().List()
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout exhausted", entries[0].Reason)
	assert.Equal(t, id, entries[0].Job.Request.ID)
}

func TestNodeReportedTimeoutHonoursRetryBudget(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "slow", Timeout: time.Second, MaxRetries: 1})
	require.NoError(t, err)
	id := job.Request.ID
	require.NoError(t, m.Assign(id, "node-a"))
	require.NoError(t, m.Acknowledge(id, "node-a"))

	m.HandleResult(&models.JobResult{JobID: id, Status: models.JobTimedOut, Error: "deadline exceeded"})

	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 1, got.TimeoutRetryCount)
	assert.Equal(t, 0, m.DeadLetter().Size())
}

func TestRequeueConsumesRetryBudget(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "flaky", MaxRetries: 1})
	require.NoError(t, err)
	id := job.Request.ID
	require.NoError(t, m.Assign(id, "node-a"))
	require.NoError(t, m.Acknowledge(id, "node-a"))
	require.NoError(t, m.Fail(id, "boom", ""))

	require.NoError(t, m.Requeue(id))
	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// A second failure leaves no budget, so requeue is rejected.
	require.NoError(t, m.Assign(id, "node-b"))
	require.NoError(t, m.Acknowledge(id, "node-b"))
	require.NoError(t, m.Fail(id, "boom again", ""))

	err = m.Requeue(id)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Conflict))

	got, err = m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestUpdateProgressPromotesAndClamps(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(func(o *Options) { o.Progress = sink })

	job, err := m.Enqueue(models.JobRequest{Command: "echo"})
	require.NoError(t, err)
	require.NoError(t, m.Assign(job.Request.ID, "node-a"))
	require.NoError(t, m.Acknowledge(job.Request.ID, "node-a"))

	m.UpdateProgress(&models.JobProgress{JobID: job.Request.ID, Percentage: 150})

	got, err := m.Get(job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status, "first progress promotes acknowledged to running")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.ingested, 1)
	assert.Equal(t, float64(100), sink.ingested[0].Percentage)
}

func TestHandleAgentDisconnect(t *testing.T) {
	m := newTestManager()

	keyed, err := m.Enqueue(models.JobRequest{Command: "echo", IdempotencyKey: "caller-key"})
	require.NoError(t, err)
	unkeyed, err := m.Enqueue(models.JobRequest{Command: "echo"})
	require.NoError(t, err)

	for _, id := range []string{keyed.Request.ID, unkeyed.Request.ID} {
		require.NoError(t, m.Assign(id, "node-a"))
		require.NoError(t, m.Acknowledge(id, "node-a"))
	}

	m.HandleAgentDisconnect("node-a")

	// Caller-keyed work is safe to re-run elsewhere.
	got, err := m.Get(keyed.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Contains(t, m.ExcludedAgents(keyed.Request.ID), "node-a")

	// Non-keyed work may have side effects; it is failed and dead-lettered.
	got, err = m.Get(unkeyed.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	entries := m.DeadLetter().List()
	require.Len(t, entries, 1)
	assert.Equal(t, unkeyed.Request.ID, entries[0].Job.Request.ID)
}

func TestRetryDeadLetterRequeues(t *testing.T) {
	m := newTestManager()

	job, err := m.Enqueue(models.JobRequest{Command: "flaky"})
	require.NoError(t, err)
	id := job.Request.ID
	require.NoError(t, m.Assign(id, "node-a"))
	require.NoError(t, m.Acknowledge(id, "node-a"))
	m.HandleResult(&models.JobResult{JobID: id, Status: models.JobFailed, Error: "boom"})

	entries := m.DeadLetter().List()
	require.Len(t, entries, 1)

	requeued, err := m.RetryDeadLetter(entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, requeued.Status)
	assert.Equal(t, 0, requeued.RetryCount)
	assert.Empty(t, m.ExcludedAgents(id))
	assert.Equal(t, 0, m.DeadLetter().Size())

	_, err = m.RetryDeadLetter(entries[0].ID)
	assert.True(t, oerr.Is(err, oerr.NotFound))
}

func TestDequeueNextForAgentFilters(t *testing.T) {
	m := newTestManager()

	_, err := m.Enqueue(models.JobRequest{ID: "needs-gpu", Command: "train", RequiredCapabilities: []string{"gpu"}})
	require.NoError(t, err)
	_, err = m.Enqueue(models.JobRequest{ID: "targeted", Command: "echo", TargetAgentID: "node-b"})
	require.NoError(t, err)
	_, err = m.Enqueue(models.JobRequest{ID: "plain", Command: "echo"})
	require.NoError(t, err)

	plainAgent := &models.AgentInfo{ID: "node-a", Status: models.AgentReady}
	job := m.DequeueNextForAgent(plainAgent)
	require.NotNil(t, job)
	assert.Equal(t, "plain", job.Request.ID)

	gpuAgent := &models.AgentInfo{
		ID:           "node-c",
		Status:       models.AgentReady,
		Capabilities: []models.Capability{{Name: "gpu"}},
	}
	job = m.DequeueNextForAgent(gpuAgent)
	require.NotNil(t, job)
	assert.Equal(t, "needs-gpu", job.Request.ID)

	// Only node-b can take the targeted job.
	assert.Nil(t, m.DequeueNextForAgent(plainAgent))
	job = m.DequeueNextForAgent(&models.AgentInfo{ID: "node-b", Status: models.AgentReady})
	require.NotNil(t, job)
	assert.Equal(t, "targeted", job.Request.ID)
}
