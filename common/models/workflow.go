package models

import (
	"encoding/json"
	"time"
)

// ErrorStrategy controls how the engine reacts to a step failure.
type ErrorStrategy string

const (
	StopOnFirst     ErrorStrategy = "stop_on_first"
	ContinueOnError ErrorStrategy = "continue_on_error"
	Compensate      ErrorStrategy = "compensate"
)

// StepType discriminates the typed step configs.
type StepType string

const (
	StepJob          StepType = "job"
	StepParallel     StepType = "parallel"
	StepForEach      StepType = "foreach"
	StepConditional  StepType = "conditional"
	StepDelay        StepType = "delay"
	StepWaitForEvent StepType = "wait_for_event"
	StepApproval     StepType = "approval"
	StepTransform    StepType = "transform"
	StepNotify       StepType = "notify"
	StepSubWorkflow  StepType = "sub_workflow"
)

// WorkflowDefinition is a named, versioned DAG of steps.
type WorkflowDefinition struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description,omitempty"`
	Steps         []WorkflowStep `json:"steps"`
	Triggers      []Trigger      `json:"triggers,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
	ErrorStrategy ErrorStrategy  `json:"error_strategy,omitempty"`
	IsActive      bool           `json:"is_active"`
	CreatedAt     time.Time      `json:"created_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at,omitempty"`
}

// Step returns the step with the given id, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// WorkflowStep is one node in a workflow DAG.
//
// DependsOn forms a DAG within the step's nesting level; ids are unique
// within the workflow.
type WorkflowStep struct {
	ID              string        `json:"id"`
	Name            string        `json:"name,omitempty"`
	Type            StepType      `json:"type"`
	DependsOn       []string      `json:"depends_on,omitempty"`
	Condition       string        `json:"condition,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	MaxRetries      int           `json:"max_retries,omitempty"`
	RetryDelay      time.Duration `json:"retry_delay,omitempty"`
	ContinueOnError bool          `json:"continue_on_error,omitempty"`
	OutputVariable  string        `json:"output_variable,omitempty"`
	Config          StepConfig    `json:"config"`
	Compensation    *WorkflowStep `json:"compensation,omitempty"`
}

// StepConfig is the tagged variant of per-type step settings. Exactly the
// field matching the step's Type is populated.
type StepConfig struct {
	Job          *JobStepConfig          `json:"job,omitempty"`
	Parallel     *ParallelStepConfig     `json:"parallel,omitempty"`
	ForEach      *ForEachStepConfig      `json:"foreach,omitempty"`
	Conditional  *ConditionalStepConfig  `json:"conditional,omitempty"`
	Delay        *DelayStepConfig        `json:"delay,omitempty"`
	WaitForEvent *WaitForEventStepConfig `json:"wait_for_event,omitempty"`
	Approval     *ApprovalStepConfig     `json:"approval,omitempty"`
	Transform    *TransformStepConfig    `json:"transform,omitempty"`
	Notify       *NotifyStepConfig       `json:"notify,omitempty"`
	SubWorkflow  *SubWorkflowStepConfig  `json:"sub_workflow,omitempty"`
}

// JobStepConfig enqueues a job and waits for its terminal state.
// Command and Payload may contain ${var.path} references into Variables.
type JobStepConfig struct {
	Command              string          `json:"command"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Priority             int             `json:"priority,omitempty"`
	TargetAgentID        string          `json:"target_agent_id,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	RequiredTags         []string        `json:"required_tags,omitempty"`
	Timeout              time.Duration   `json:"timeout,omitempty"`
	MaxRetries           int             `json:"max_retries,omitempty"`
}

// ParallelStepConfig fans out child steps concurrently.
type ParallelStepConfig struct {
	Steps          []WorkflowStep `json:"steps"`
	MaxConcurrency int            `json:"max_concurrency,omitempty"`
	FailFast       bool           `json:"fail_fast,omitempty"`
}

// ForEachStepConfig runs the child steps once per collection element.
type ForEachStepConfig struct {
	Collection     string         `json:"collection"`
	ItemVariable   string         `json:"item_variable,omitempty"`
	IndexVariable  string         `json:"index_variable,omitempty"`
	Steps          []WorkflowStep `json:"steps"`
	MaxConcurrency int            `json:"max_concurrency,omitempty"`
}

// ConditionalStepConfig runs the then or else branch as an inline sub-DAG.
type ConditionalStepConfig struct {
	Expression string         `json:"expression"`
	Then       []WorkflowStep `json:"then,omitempty"`
	Else       []WorkflowStep `json:"else,omitempty"`
}

// DelayStepConfig suspends the step for a fixed duration.
type DelayStepConfig struct {
	Duration time.Duration `json:"duration"`
}

// WaitForEventStepConfig parks the step until a matching event arrives.
type WaitForEventStepConfig struct {
	EventType      string        `json:"event_type"`
	CorrelationKey string        `json:"correlation_key,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// ApprovalStepConfig parks the step until enough approvers decide.
type ApprovalStepConfig struct {
	Approvers         []string      `json:"approvers,omitempty"`
	RequiredApprovals int           `json:"required_approvals,omitempty"`
	Message           string        `json:"message,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty"`
}

// TransformStepConfig evaluates an expression over Variables.
type TransformStepConfig struct {
	Expression string `json:"expression"`
}

// NotifyStepConfig sends a message over an out-of-core channel.
type NotifyStepConfig struct {
	Channel string `json:"channel"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

// SubWorkflowStepConfig launches a child workflow instance.
type SubWorkflowStepConfig struct {
	WorkflowID        string         `json:"workflow_id"`
	Version           string         `json:"version,omitempty"`
	Input             map[string]any `json:"input,omitempty"`
	WaitForCompletion bool           `json:"wait_for_completion,omitempty"`
}
