package models

import (
	"time"
)

// JobPattern describes the execution shape of a command.
type JobPattern string

const (
	PatternFireAndForget   JobPattern = "fire_and_forget"
	PatternRequestResponse JobPattern = "request_response"
	PatternStreaming       JobPattern = "streaming"
	PatternLongRunning     JobPattern = "long_running"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobAssigned     JobStatus = "assigned"
	JobAcknowledged JobStatus = "acknowledged"
	JobRunning      JobStatus = "running"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobCancelled    JobStatus = "cancelled"
	JobTimedOut     JobStatus = "timed_out"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimedOut:
		return true
	}
	return false
}

// JobRequest is a caller's description of one unit of work.
type JobRequest struct {
	ID                   string            `json:"id"`
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
	Command              string            `json:"command"`
	Pattern              JobPattern        `json:"pattern,omitempty"`
	Parameters           []byte            `json:"parameters,omitempty"`
	Priority             int               `json:"priority,omitempty"`
	Timeout              time.Duration     `json:"timeout,omitempty"`
	MaxRetries           int               `json:"max_retries,omitempty"`
	TargetAgentID        string            `json:"target_agent_id,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	RequiredTags         []string          `json:"required_tags,omitempty"`
	CorrelationID        string            `json:"correlation_id,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`

	// CallerKeyed marks the idempotency key as explicitly supplied by the
	// caller rather than defaulted from the job id. Only caller-keyed jobs
	// are reassigned when the holding node disconnects.
	CallerKeyed bool `json:"caller_keyed,omitempty"`
}

// Job is the tracked lifecycle of a JobRequest.
type Job struct {
	Request           JobRequest `json:"request"`
	Status            JobStatus  `json:"status"`
	AssignedAgentID   string     `json:"assigned_agent_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	AssignedAt        *time.Time `json:"assigned_at,omitempty"`
	AcknowledgedAt    *time.Time `json:"acknowledged_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Result            *JobResult `json:"result,omitempty"`
	RetryCount        int        `json:"retry_count"`
	TimeoutRetryCount int        `json:"timeout_retry_count"`
}

// ID returns the job identifier.
func (j *Job) ID() string {
	return j.Request.ID
}

// JobResult is the terminal report for a job.
type JobResult struct {
	JobID      string        `json:"job_id"`
	Status     JobStatus     `json:"status"`
	Data       []byte        `json:"data,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// JobProgress is one progress report for a job.
type JobProgress struct {
	JobID       string    `json:"job_id"`
	Percentage  float64   `json:"percentage"`
	Message     string    `json:"message,omitempty"`
	CurrentStep int       `json:"current_step,omitempty"`
	TotalSteps  int       `json:"total_steps,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Clamp forces Percentage into [0,100].
func (p *JobProgress) Clamp() {
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
}

// StreamItem is one element of a streaming job's lazy result sequence.
type StreamItem struct {
	JobID     string    `json:"job_id"`
	Sequence  int       `json:"sequence"`
	Data      []byte    `json:"data,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetterEntry records a job that exhausted its retries.
type DeadLetterEntry struct {
	ID             string    `json:"id"`
	Job            *Job      `json:"job"`
	Reason         string    `json:"reason"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	RetryRequested bool      `json:"retry_requested"`
	RetryAttempts  int       `json:"retry_attempts"`
}
