package transport

import (
	"sync"
)

// Channel name prefixes. The registry joins agents to capability, group
// and tag channels when they register so the host can fan commands out
// by name without owning agent records.
const (
	ChannelCapabilityPrefix = "capability:"
	ChannelGroupPrefix      = "group:"
	ChannelTagPrefix        = "tag:"
)

// ChannelRegistry maps channel name → member agent ids. Join/leave are
// serialised per registry, which covers the per-channel requirement.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
}

// NewChannelRegistry creates an empty channel registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[string]map[string]struct{}),
	}
}

// Join adds an agent to a channel.
func (r *ChannelRegistry) Join(channel, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	members[agentID] = struct{}{}
}

// Leave removes an agent from a channel.
func (r *ChannelRegistry) Leave(channel, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.channels[channel]; ok {
		delete(members, agentID)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
}

// LeaveAll removes an agent from every channel.
func (r *ChannelRegistry) LeaveAll(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, members := range r.channels {
		delete(members, agentID)
		if len(members) == 0 {
			delete(r.channels, name)
		}
	}
}

// Members returns a snapshot of a channel's member ids.
func (r *ChannelRegistry) Members(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.channels[channel]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}
