package jobs

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/cmd/host/router"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/transport"
)

// Metadata keys on a JobRequest that steer routing.
const (
	MetaTargetGroup   = "target_group"
	MetaRoutingPolicy = "routing_policy"
)

// Selector is the routing decision surface the dispatcher needs.
type Selector interface {
	Select(spec router.RouteSpec) (*models.AgentInfo, error)
	Candidates(spec router.RouteSpec) []*models.AgentInfo
}

// Dispatcher drains the pending queue towards schedulable nodes. One
// dispatch cycle runs per tick and per kick; enqueues and registrations
// kick it so jobs do not wait out the tick.
type Dispatcher struct {
	manager   *Manager
	selector  Selector
	commander transport.Commander
	interval  time.Duration
	kick      chan struct{}
	log       *logger.Logger
}

// NewDispatcher wires the dispatcher and registers it as the manager's
// command sender.
func NewDispatcher(manager *Manager, selector Selector, commander transport.Commander, interval time.Duration, log *logger.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	manager.SetCommander(commander)
	return &Dispatcher{
		manager:   manager,
		selector:  selector,
		commander: commander,
		interval:  interval,
		kick:      make(chan struct{}, 1),
		log:       log,
	}
}

// Kick requests an immediate dispatch cycle.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drives dispatch cycles until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
		d.dispatchCycle(ctx)
	}
}

// dispatchCycle assigns queued jobs until the queue has no dispatchable
// entry left.
func (d *Dispatcher) dispatchCycle(ctx context.Context) {
	for {
		job, _ := d.manager.DequeueDispatchable(d.candidatesFor)
		if job == nil {
			return
		}
		d.dispatchOne(ctx, job)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, job *models.Job) {
	spec := d.routeSpec(&job.Request, d.manager.ExcludedAgents(job.Request.ID))

	agent, err := d.selector.Select(spec)
	if err != nil {
		// Candidates vanished between dequeue and selection.
		_ = d.manager.SendFailed(job.Request.ID, "")
		return
	}

	if err := d.manager.Assign(job.Request.ID, agent.ID); err != nil {
		d.log.Warn("assignment rejected", "job_id", job.Request.ID, "agent_id", agent.ID, "error", err)
		return
	}

	cmd := &transport.Command{
		Kind: transport.CmdExecuteJob,
		Job:  &job.Request,
	}
	if err := d.commander.Send(ctx, agent.ID, cmd); err != nil {
		d.log.Warn("job delivery failed, reverting", "job_id", job.Request.ID, "agent_id", agent.ID, "error", err)
		if err := d.manager.SendFailed(job.Request.ID, agent.ID); err != nil {
			d.log.Error("revert after failed delivery", "job_id", job.Request.ID, "error", err)
		}
		return
	}

	d.log.Info("job dispatched", "job_id", job.Request.ID, "agent_id", agent.ID, "command", job.Request.Command)
}

// candidatesFor gates the dequeue: a job leaves the queue only when a
// schedulable node can take it right now.
func (d *Dispatcher) candidatesFor(job *models.Job, excluded map[string]struct{}) []*models.AgentInfo {
	excludedIDs := make([]string, 0, len(excluded))
	for id := range excluded {
		excludedIDs = append(excludedIDs, id)
	}

	candidates := d.selector.Candidates(d.routeSpec(&job.Request, excludedIDs))
	if job.Request.TargetAgentID == "" {
		return candidates
	}
	for _, c := range candidates {
		if c.ID == job.Request.TargetAgentID {
			return []*models.AgentInfo{c}
		}
	}
	return nil
}

func (d *Dispatcher) routeSpec(req *models.JobRequest, excluded []string) router.RouteSpec {
	return router.RouteSpec{
		RequiredCapabilities: req.RequiredCapabilities,
		RequiredTags:         req.RequiredTags,
		PreferredAgentID:     req.TargetAgentID,
		TargetGroup:          req.Metadata[MetaTargetGroup],
		ExcludedAgentIDs:     excluded,
		Policy:               router.Policy(req.Metadata[MetaRoutingPolicy]),
	}
}
