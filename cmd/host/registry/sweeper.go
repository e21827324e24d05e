package registry

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/common/models"
)

// StartHeartbeatSweeper runs until ctx is cancelled, declaring nodes
// Faulted when they miss missedFactor heartbeat intervals, then tearing
// the faulted session down to Disconnected.
func (r *Registry) StartHeartbeatSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepHeartbeats(time.Now().UTC())
		}
	}
}

// sweepHeartbeats faults every connected node whose heartbeat is stale.
func (r *Registry) sweepHeartbeats(now time.Time) {
	threshold := time.Duration(r.missedFactor) * r.heartbeatInterval

	r.mu.RLock()
	stale := make([]string, 0)
	for id, a := range r.agents {
		if a.Status == models.AgentDisconnected || a.Status == models.AgentStopped {
			continue
		}
		if now.Sub(a.LastHeartbeat) > threshold {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.log.Warn("agent missed heartbeats", "agent_id", id, "threshold", threshold)
		if err := r.Fire(id, TriggerFault); err != nil {
			r.log.Debug("fault transition rejected", "agent_id", id, "error", err)
		}
		// Channel teardown follows the fault.
		r.disconnect(id, TriggerFault)
	}
}
