package models

import (
	"time"
)

// AgentStatus is the lifecycle state of a node.
type AgentStatus string

const (
	AgentCreated      AgentStatus = "created"
	AgentInitializing AgentStatus = "initializing"
	AgentReady        AgentStatus = "ready"
	AgentRunning      AgentStatus = "running"
	AgentPaused       AgentStatus = "paused"
	AgentStopping     AgentStatus = "stopping"
	AgentStopped      AgentStatus = "stopped"
	AgentFaulted      AgentStatus = "faulted"
	AgentDisconnected AgentStatus = "disconnected"
)

// Capability is a named feature a node advertises.
type Capability struct {
	Name     string            `json:"name"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AgentInfo describes a registered node.
//
// Invariants: at most one live ConnectionID per ID;
// Status == AgentDisconnected iff ConnectionID == "".
type AgentInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Capabilities  []Capability      `json:"capabilities,omitempty"`
	Group         string            `json:"group,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Status        AgentStatus       `json:"status"`
	ConnectionID  string            `json:"connection_id,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CapabilityNames returns the set of capability names the agent advertises.
func (a *AgentInfo) CapabilityNames() []string {
	names := make([]string, 0, len(a.Capabilities))
	for _, c := range a.Capabilities {
		names = append(names, c.Name)
	}
	return names
}

// HasCapabilities reports whether the agent covers every required capability.
func (a *AgentInfo) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c.Name] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// HasTags reports whether the agent carries every required tag.
func (a *AgentInfo) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Tags))
	for _, t := range a.Tags {
		have[t] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Schedulable reports whether the agent may receive new work.
func (a *AgentInfo) Schedulable() bool {
	return a.Status == AgentReady || a.Status == AgentRunning
}

// RegistrationResult is returned to a node after Register.
type RegistrationResult struct {
	Success                      bool          `json:"success"`
	Error                        string        `json:"error,omitempty"`
	RecommendedHeartbeatInterval time.Duration `json:"recommended_heartbeat_interval"`
}

// AgentStatusChange is emitted on every node state machine transition.
type AgentStatusChange struct {
	AgentID string      `json:"agent_id"`
	Old     AgentStatus `json:"old"`
	New     AgentStatus `json:"new"`
	Trigger string      `json:"trigger"`
	At      time.Time   `json:"at"`
}
