package registry

import (
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
	"github.com/orbitmesh/orbitmesh/common/transport"
)

// ChangeListener receives node state machine transition events.
type ChangeListener func(change models.AgentStatusChange)

// Registry is the durable node membership table with capability, group
// and tag indexes. Records survive disconnects for audit; only the
// connection binding is cleared.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*models.AgentInfo
	byConnection map[string]string // connectionID → agentID
	byCapability map[string]map[string]struct{}
	byGroup      map[string]map[string]struct{}
	byTag        map[string]map[string]struct{}

	channels          *transport.ChannelRegistry
	heartbeatInterval time.Duration
	missedFactor      int
	listeners         []ChangeListener
	log               *logger.Logger
}

// Options configures a registry.
type Options struct {
	Channels          *transport.ChannelRegistry
	HeartbeatInterval time.Duration
	MissedFactor      int
	Logger            *logger.Logger
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.MissedFactor <= 0 {
		opts.MissedFactor = 3
	}
	if opts.Channels == nil {
		opts.Channels = transport.NewChannelRegistry()
	}
	return &Registry{
		agents:            make(map[string]*models.AgentInfo),
		byConnection:      make(map[string]string),
		byCapability:      make(map[string]map[string]struct{}),
		byGroup:           make(map[string]map[string]struct{}),
		byTag:             make(map[string]map[string]struct{}),
		channels:          opts.Channels,
		heartbeatInterval: opts.HeartbeatInterval,
		missedFactor:      opts.MissedFactor,
		log:               opts.Logger,
	}
}

// HeartbeatInterval is the interval recommended to registering nodes.
func (r *Registry) HeartbeatInterval() time.Duration {
	return r.heartbeatInterval
}

// OnChange subscribes a listener to state machine transitions. Listeners
// must be registered before nodes connect.
func (r *Registry) OnChange(l ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register replaces any previous record with the same id, binds the
// connection, marks the node Ready and joins its channels.
func (r *Registry) Register(agent *models.AgentInfo, connectionID string) {
	r.mu.Lock()

	if prev, ok := r.agents[agent.ID]; ok {
		r.removeFromIndexesLocked(prev)
		if prev.ConnectionID != "" {
			delete(r.byConnection, prev.ConnectionID)
		}
	}

	record := *agent
	record.Status = models.AgentReady
	record.ConnectionID = connectionID
	record.LastHeartbeat = time.Now().UTC()

	r.agents[record.ID] = &record
	r.byConnection[connectionID] = record.ID
	r.addToIndexesLocked(&record)
	old := agent.Status
	r.mu.Unlock()

	for _, c := range record.Capabilities {
		r.channels.Join(transport.ChannelCapabilityPrefix+c.Name, record.ID)
	}
	if record.Group != "" {
		r.channels.Join(transport.ChannelGroupPrefix+record.Group, record.ID)
	}
	for _, t := range record.Tags {
		r.channels.Join(transport.ChannelTagPrefix+t, record.ID)
	}

	r.emit(models.AgentStatusChange{
		AgentID: record.ID,
		Old:     old,
		New:     models.AgentReady,
		Trigger: string(TriggerConnect),
		At:      record.LastHeartbeat,
	})

	r.log.Info("agent registered",
		"agent_id", record.ID,
		"name", record.Name,
		"group", record.Group,
		"capabilities", len(record.Capabilities))
}

// Unregister marks the node Disconnected and clears its connection
// binding. The record is retained for audit.
func (r *Registry) Unregister(agentID string) {
	r.disconnect(agentID, TriggerDisconnect)
}

// HandleDisconnect resolves a dropped connection id to its agent and
// marks it Disconnected. Returns the agent id, or empty when the
// connection was not bound.
func (r *Registry) HandleDisconnect(connectionID string) string {
	r.mu.RLock()
	agentID := r.byConnection[connectionID]
	r.mu.RUnlock()

	if agentID == "" {
		return ""
	}
	r.disconnect(agentID, TriggerDisconnect)
	return agentID
}

func (r *Registry) disconnect(agentID string, trigger Trigger) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok || agent.Status == models.AgentDisconnected {
		r.mu.Unlock()
		return
	}
	old := agent.Status
	agent.Status = models.AgentDisconnected
	if agent.ConnectionID != "" {
		delete(r.byConnection, agent.ConnectionID)
		agent.ConnectionID = ""
	}
	r.mu.Unlock()

	r.channels.LeaveAll(agentID)
	r.emit(models.AgentStatusChange{
		AgentID: agentID,
		Old:     old,
		New:     models.AgentDisconnected,
		Trigger: string(trigger),
		At:      time.Now().UTC(),
	})

	r.log.Info("agent disconnected", "agent_id", agentID, "previous_status", old)
}

// Heartbeat updates the node's last heartbeat, keeping it monotonic.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	if now.After(agent.LastHeartbeat) {
		agent.LastHeartbeat = now
	}
}

// Fire applies a state machine trigger to a node. Illegal triggers are
// rejected with no state change.
func (r *Registry) Fire(agentID string, trigger Trigger) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return oerr.Newf(oerr.NotFound, "agent %s not found", agentID)
	}

	next, err := NextState(agent.Status, trigger)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	old := agent.Status
	agent.Status = next
	r.mu.Unlock()

	r.emit(models.AgentStatusChange{
		AgentID: agentID,
		Old:     old,
		New:     next,
		Trigger: string(trigger),
		At:      time.Now().UTC(),
	})
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (*models.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	copy := *agent
	return &copy, true
}

// List returns copies of all agent records.
func (r *Registry) List() []*models.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		copy := *a
		out = append(out, &copy)
	}
	return out
}

// FindByCapabilities returns schedulable agents whose capability set
// covers the required set.
func (r *Registry) FindByCapabilities(required []string) []*models.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AgentInfo, 0)
	for _, a := range r.agents {
		if !a.Schedulable() {
			continue
		}
		if a.HasCapabilities(required) {
			copy := *a
			out = append(out, &copy)
		}
	}
	return out
}

// GroupMembers returns ids of agents in a group.
func (r *Registry) GroupMembers(group string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]struct{}, len(r.byGroup[group]))
	for id := range r.byGroup[group] {
		out[id] = struct{}{}
	}
	return out
}

func (r *Registry) addToIndexesLocked(agent *models.AgentInfo) {
	for _, c := range agent.Capabilities {
		addIndex(r.byCapability, c.Name, agent.ID)
	}
	if agent.Group != "" {
		addIndex(r.byGroup, agent.Group, agent.ID)
	}
	for _, t := range agent.Tags {
		addIndex(r.byTag, t, agent.ID)
	}
}

func (r *Registry) removeFromIndexesLocked(agent *models.AgentInfo) {
	for _, c := range agent.Capabilities {
		removeIndex(r.byCapability, c.Name, agent.ID)
	}
	if agent.Group != "" {
		removeIndex(r.byGroup, agent.Group, agent.ID)
	}
	for _, t := range agent.Tags {
		removeIndex(r.byTag, t, agent.ID)
	}
}

func (r *Registry) emit(change models.AgentStatusChange) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()

	for _, l := range listeners {
		l(change)
	}
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
