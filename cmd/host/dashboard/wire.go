package dashboard

import (
	"github.com/orbitmesh/orbitmesh/cmd/host/jobs"
	"github.com/orbitmesh/orbitmesh/cmd/host/registry"
	"github.com/orbitmesh/orbitmesh/cmd/host/workflow"
	"github.com/orbitmesh/orbitmesh/common/models"
)

// WireRegistry translates node state machine transitions into dashboard
// events.
func (h *Hub) WireRegistry(r *registry.Registry) {
	r.OnChange(func(change models.AgentStatusChange) {
		switch registry.Trigger(change.Trigger) {
		case registry.TriggerConnect, registry.TriggerReconnect:
			h.Publish(models.EventAgentConnected, change)
		case registry.TriggerDisconnect:
			h.Publish(models.EventAgentDisconnected, change)
		default:
			h.Publish(models.EventAgentStatusChanged, change)
		}
	})
}

// WireJobs forwards job manager events as-is; the manager already names
// them with the dashboard vocabulary.
func (h *Hub) WireJobs(m *jobs.Manager) {
	m.OnEvent(func(event string, job *models.Job) {
		h.Publish(event, job)
	})
}

type stepEvent struct {
	Instance *models.WorkflowInstance `json:"instance"`
	StepID   string                   `json:"step_id,omitempty"`
}

// WireWorkflows forwards workflow engine events, wrapping step-scoped
// ones with the step id.
func (h *Hub) WireWorkflows(e *workflow.Engine) {
	e.OnEvent(func(event string, instance *models.WorkflowInstance, stepID string) {
		if stepID == "" {
			h.Publish(event, instance)
			return
		}
		h.Publish(event, stepEvent{Instance: instance, StepID: stepID})
	})
}
