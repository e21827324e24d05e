package models

import (
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending      InstanceStatus = "pending"
	InstanceRunning      InstanceStatus = "running"
	InstanceCompleted    InstanceStatus = "completed"
	InstanceFailed       InstanceStatus = "failed"
	InstanceCancelled    InstanceStatus = "cancelled"
	InstanceTimedOut     InstanceStatus = "timed_out"
	InstancePaused       InstanceStatus = "paused"
	InstanceCompensating InstanceStatus = "compensating"
)

// Terminal reports whether the instance status is absorbing.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled, InstanceTimedOut:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a step instance.
type StepStatus string

const (
	StepPending                StepStatus = "pending"
	StepWaitingForDependencies StepStatus = "waiting_for_dependencies"
	StepRunning                StepStatus = "running"
	StepCompleted              StepStatus = "completed"
	StepFailed                 StepStatus = "failed"
	StepSkipped                StepStatus = "skipped"
	StepCancelled              StepStatus = "cancelled"
	StepTimedOut               StepStatus = "timed_out"
	StepWaitingForEvent        StepStatus = "waiting_for_event"
	StepWaitingForApproval     StepStatus = "waiting_for_approval"
	StepCompensating           StepStatus = "compensating"
	StepCompensated            StepStatus = "compensated"
	StepCompensationFailed     StepStatus = "compensation_failed"
)

// Terminal reports whether the step status is absorbing.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled, StepTimedOut, StepCompensated, StepCompensationFailed:
		return true
	}
	return false
}

// Satisfied reports whether the step counts as a satisfied dependency.
// A step whose compensation action failed does not count: its side
// effects were never undone.
func (s StepStatus) Satisfied() bool {
	return s == StepCompleted || s == StepSkipped || s == StepCompensated
}

// Waiting reports whether the step is parked on an external signal.
func (s StepStatus) Waiting() bool {
	return s == StepWaitingForEvent || s == StepWaitingForApproval
}

// WorkflowInstance is one execution of a WorkflowDefinition.
type WorkflowInstance struct {
	ID               string                   `json:"id"`
	WorkflowID       string                   `json:"workflow_id"`
	WorkflowVersion  string                   `json:"workflow_version"`
	Status           InstanceStatus           `json:"status"`
	Input            map[string]any           `json:"input,omitempty"`
	Variables        map[string]any           `json:"variables,omitempty"`
	Output           any                      `json:"output,omitempty"`
	Error            string                   `json:"error,omitempty"`
	StepInstances    map[string]*StepInstance `json:"step_instances"`
	TriggerID        string                   `json:"trigger_id,omitempty"`
	TriggerType      string                   `json:"trigger_type,omitempty"`
	ParentInstanceID string                   `json:"parent_instance_id,omitempty"`
	ParentStepID     string                   `json:"parent_step_id,omitempty"`
	CorrelationID    string                   `json:"correlation_id,omitempty"`
	RetryCount       int                      `json:"retry_count"`
	CreatedAt        time.Time                `json:"created_at"`
	StartedAt        *time.Time               `json:"started_at,omitempty"`
	CompletedAt      *time.Time               `json:"completed_at,omitempty"`
}

// StepInstance is the tracked execution of one WorkflowStep.
type StepInstance struct {
	StepID                string             `json:"step_id"`
	Status                StepStatus         `json:"status"`
	StartedAt             *time.Time         `json:"started_at,omitempty"`
	CompletedAt           *time.Time         `json:"completed_at,omitempty"`
	Output                any                `json:"output,omitempty"`
	Error                 string             `json:"error,omitempty"`
	RetryCount            int                `json:"retry_count"`
	JobID                 string             `json:"job_id,omitempty"`
	SubWorkflowInstanceID string             `json:"sub_workflow_instance_id,omitempty"`
	Branches              []*BranchInstance  `json:"branches,omitempty"`
	Compensation          *StepInstance      `json:"compensation,omitempty"`
	Approvals             []ApprovalDecision `json:"approvals,omitempty"`
}

// BranchInstance tracks one branch of a parallel or foreach step.
type BranchInstance struct {
	Index int                      `json:"index"`
	Item  any                      `json:"item,omitempty"`
	Steps map[string]*StepInstance `json:"steps"`
}

// ApprovalDecision is one approver's recorded decision.
type ApprovalDecision struct {
	Approver  string    `json:"approver"`
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}
