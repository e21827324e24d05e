package models

import (
	"time"
)

// DashboardEvent names pushed to connected dashboards.
const (
	EventAgentConnected            = "AgentConnected"
	EventAgentDisconnected         = "AgentDisconnected"
	EventAgentStatusChanged        = "AgentStatusChanged"
	EventJobCreated                = "JobCreated"
	EventJobStatusChanged          = "JobStatusChanged"
	EventJobProgress               = "JobProgress"
	EventJobCompleted              = "JobCompleted"
	EventJobFailed                 = "JobFailed"
	EventWorkflowInstanceStarted   = "WorkflowInstanceStarted"
	EventWorkflowInstanceCompleted = "WorkflowInstanceCompleted"
	EventWorkflowInstanceFailed    = "WorkflowInstanceFailed"
	EventWorkflowStepStarted       = "WorkflowStepStarted"
	EventWorkflowStepCompleted     = "WorkflowStepCompleted"
)

// DashboardEvent is one push-channel message.
type DashboardEvent struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
