package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/orbitmesh/orbitmesh/common/models"
)

// StartSweeper runs until ctx is cancelled, enforcing the acknowledgement
// deadline on assigned jobs and the execution timeout on in-flight ones.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			m.sweepAckDeadlines(now)
			m.sweepTimeouts(now)
		}
	}
}

// sweepAckDeadlines reverts jobs the assigned node never acknowledged,
// excluding that node from the next attempt.
func (m *Manager) sweepAckDeadlines(now time.Time) {
	m.mu.Lock()
	reverted := make([]string, 0)
	for _, job := range m.jobs {
		if job.Status != models.JobAssigned || job.AssignedAt == nil {
			continue
		}
		if now.Sub(*job.AssignedAt) <= m.ackDeadline {
			continue
		}
		m.excludeAgentLocked(job.Request.ID, job.AssignedAgentID)
		m.revertToPendingLocked(job)
		reverted = append(reverted, job.Request.ID)
	}
	m.mu.Unlock()

	for _, id := range reverted {
		m.log.Warn("acknowledgement deadline missed, job reverted", "job_id", id, "deadline", m.ackDeadline)
	}
}

// sweepTimeouts marks in-flight jobs TimedOut once their execution
// timeout elapses, then applies the timeout retry budget.
func (m *Manager) sweepTimeouts(now time.Time) {
	m.mu.Lock()
	timedOut := make([]string, 0)
	for _, job := range m.jobs {
		if job.Request.Timeout <= 0 {
			continue
		}
		if job.Status != models.JobAcknowledged && job.Status != models.JobRunning {
			continue
		}
		started := job.AcknowledgedAt
		if started == nil {
			started = job.AssignedAt
		}
		if started == nil || now.Sub(*started) <= job.Request.Timeout {
			continue
		}
		timedOut = append(timedOut, job.Request.ID)
	}
	m.mu.Unlock()

	for _, id := range timedOut {
		job, err := m.Get(id)
		if err != nil {
			continue
		}
		m.log.Warn("job execution timed out", "job_id", id, "timeout", job.Request.Timeout)
		result := &models.JobResult{
			JobID:      id,
			Status:     models.JobTimedOut,
			Error:      fmt.Sprintf("execution exceeded timeout of %s", job.Request.Timeout),
			FinishedAt: now,
		}
		if err := m.finish(id, models.JobTimedOut, result); err != nil {
			continue
		}
		m.applyTimeoutPolicy(id)
	}
}
