// Package core binds the transport's report stream to the host
// services: registry, job manager and stream fan-out.
package core

import (
	"context"
	"sync"

	"github.com/orbitmesh/orbitmesh/cmd/host/jobs"
	"github.com/orbitmesh/orbitmesh/cmd/host/registry"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
)

// StreamListener receives streaming job items as they arrive.
type StreamListener func(item *models.StreamItem)

// Handler implements transport.ReportHandler over the host services.
type Handler struct {
	registry *registry.Registry
	jobs     *jobs.Manager
	log      *logger.Logger

	mu              sync.RWMutex
	streamListeners map[string][]StreamListener // jobID → listeners
}

// NewHandler creates the host report handler.
func NewHandler(reg *registry.Registry, mgr *jobs.Manager, log *logger.Logger) *Handler {
	return &Handler{
		registry:        reg,
		jobs:            mgr,
		log:             log,
		streamListeners: make(map[string][]StreamListener),
	}
}

// OnStreamItem subscribes a listener to one job's stream. Listeners are
// released when the final item arrives.
func (h *Handler) OnStreamItem(jobID string, l StreamListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streamListeners[jobID] = append(h.streamListeners[jobID], l)
}

func (h *Handler) OnRegister(_ context.Context, connectionID string, agent *models.AgentInfo) *models.RegistrationResult {
	if agent == nil || agent.ID == "" {
		return &models.RegistrationResult{Success: false, Error: "agent id is required"}
	}

	h.registry.Register(agent, connectionID)
	return &models.RegistrationResult{
		Success:                      true,
		RecommendedHeartbeatInterval: h.registry.HeartbeatInterval(),
	}
}

func (h *Handler) OnUnregister(_ context.Context, agentID string) {
	h.registry.Unregister(agentID)
	h.jobs.HandleAgentDisconnect(agentID)
}

func (h *Handler) OnHeartbeat(_ context.Context, agentID string) {
	h.registry.Heartbeat(agentID)
}

func (h *Handler) OnAcknowledgeJob(_ context.Context, jobID, agentID string) {
	if err := h.jobs.Acknowledge(jobID, agentID); err != nil {
		h.log.Warn("job ack rejected", "job_id", jobID, "agent_id", agentID, "error", err)
	}
}

func (h *Handler) OnReportResult(_ context.Context, result *models.JobResult) {
	if result == nil {
		return
	}
	h.jobs.HandleResult(result)
}

func (h *Handler) OnReportProgress(_ context.Context, progress *models.JobProgress) {
	if progress == nil {
		return
	}
	h.jobs.UpdateProgress(progress)
}

func (h *Handler) OnReportState(_ context.Context, agentID string, state models.AgentStatus) {
	current, ok := h.registry.Get(agentID)
	if !ok {
		h.log.Warn("state report for unknown agent", "agent_id", agentID)
		return
	}
	trigger, ok := triggerToward(current.Status, state)
	if !ok {
		return
	}
	if err := h.registry.Fire(agentID, trigger); err != nil {
		h.log.Warn("state transition rejected",
			"agent_id", agentID,
			"from", current.Status,
			"to", state,
			"error", err)
	}
}

func (h *Handler) OnReportStreamItem(_ context.Context, item *models.StreamItem) {
	if item == nil {
		return
	}

	h.mu.RLock()
	listeners := h.streamListeners[item.JobID]
	h.mu.RUnlock()
	for _, l := range listeners {
		l(item)
	}

	if item.Final {
		h.mu.Lock()
		delete(h.streamListeners, item.JobID)
		h.mu.Unlock()
	}
}

func (h *Handler) OnDisconnect(_ context.Context, connectionID string) {
	agentID := h.registry.HandleDisconnect(connectionID)
	if agentID == "" {
		return
	}
	h.jobs.HandleAgentDisconnect(agentID)
}

// triggerToward maps a node's self-reported state to the state machine
// trigger that reaches it from the current state. Reports that need no
// transition, or that only the host may initiate, are ignored.
func triggerToward(current, reported models.AgentStatus) (registry.Trigger, bool) {
	if current == reported {
		return "", false
	}
	switch reported {
	case models.AgentInitializing:
		return registry.TriggerInitialize, true
	case models.AgentRunning:
		return registry.TriggerStartJob, true
	case models.AgentReady:
		switch current {
		case models.AgentRunning:
			return registry.TriggerCompleteJob, true
		case models.AgentPaused:
			return registry.TriggerResume, true
		case models.AgentFaulted:
			return registry.TriggerRecover, true
		}
		return "", false
	case models.AgentPaused:
		return registry.TriggerPause, true
	case models.AgentStopping:
		return registry.TriggerStop, true
	case models.AgentStopped:
		return registry.TriggerStopped, true
	case models.AgentFaulted:
		return registry.TriggerFault, true
	default:
		return "", false
	}
}
