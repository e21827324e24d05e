package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
	"github.com/orbitmesh/orbitmesh/common/transport"
)

// Agent is the node runtime: it registers with the host, consumes
// commands, runs handlers and reports back. Reports that cannot be
// delivered are buffered in the reconnect queue and replayed in order.
type Agent struct {
	conn     transport.NodeConn
	registry *Registry
	info     *models.AgentInfo
	queue    *reconnectQueue
	log      *logger.Logger

	heartbeat time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc // jobID → cancel
}

// Options configures the node agent.
type Options struct {
	Conn     transport.NodeConn
	Registry *Registry
	Info     *models.AgentInfo
	Logger   *logger.Logger
	// QueueLimit and QueueMaxAge bound the reconnect queue.
	QueueLimit  int
	QueueMaxAge time.Duration
}

// NewAgent creates a node agent.
func NewAgent(opts Options) *Agent {
	return &Agent{
		conn:     opts.Conn,
		registry: opts.Registry,
		info:     opts.Info,
		queue:    newReconnectQueue(opts.QueueLimit, opts.QueueMaxAge),
		log:      opts.Logger,
		running:  make(map[string]context.CancelFunc),
	}
}

// Run registers the node and serves commands until ctx is cancelled or
// the host orders a shutdown.
func (a *Agent) Run(ctx context.Context) error {
	// Advertise registered commands as capabilities.
	for _, cmd := range a.registry.Commands() {
		a.info.Capabilities = append(a.info.Capabilities, models.Capability{Name: cmd})
	}

	result, err := a.conn.Register(ctx, a.info)
	if err != nil {
		return oerr.Wrap(oerr.Transient, err, "registration failed")
	}
	if !result.Success {
		return oerr.Newf(oerr.Policy, "registration rejected: %s", result.Error)
	}

	a.heartbeat = result.RecommendedHeartbeatInterval
	if a.heartbeat <= 0 {
		a.heartbeat = 15 * time.Second
	}
	a.log.Info("registered with host",
		"agent_id", a.info.ID,
		"heartbeat_interval", a.heartbeat,
		"commands", len(a.registry.Commands()))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeatLoop(hbCtx)

	for {
		select {
		case <-ctx.Done():
			a.cancelAll()
			return ctx.Err()

		case cmd, ok := <-a.conn.Commands():
			if !ok {
				a.cancelAll()
				return oerr.New(oerr.Transient, "command stream closed")
			}
			switch cmd.Kind {
			case transport.CmdExecuteJob:
				if cmd.Job == nil {
					a.log.Warn("execute command without job")
					continue
				}
				go a.execute(ctx, *cmd.Job)

			case transport.CmdCancelJob:
				a.cancelJob(cmd.JobID, cmd.Reason)

			case transport.CmdPing:
				a.report(ctx, &transport.Report{Kind: transport.RptHeartbeat, AgentID: a.info.ID})

			case transport.CmdShutdown:
				a.log.Info("shutdown ordered by host", "reason", cmd.Reason)
				a.cancelAll()
				a.report(ctx, &transport.Report{Kind: transport.RptUnregister, AgentID: a.info.ID})
				return nil

			default:
				a.log.Warn("unknown command kind", "kind", cmd.Kind)
			}
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.report(ctx, &transport.Report{Kind: transport.RptHeartbeat, AgentID: a.info.ID})
		}
	}
}

// execute runs one job through its handler and reports ACK, progress
// and the terminal result.
func (a *Agent) execute(ctx context.Context, req models.JobRequest) {
	jobID := req.ID
	started := time.Now().UTC()

	var jobCtx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	a.mu.Lock()
	a.running[jobID] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.running, jobID)
		a.mu.Unlock()
	}()

	a.report(ctx, &transport.Report{Kind: transport.RptAck, JobID: jobID, AgentID: a.info.ID})

	cc := &CommandContext{
		JobID:   jobID,
		Request: req,
		Progress: func(percentage float64, message string) {
			a.report(ctx, &transport.Report{
				Kind:    transport.RptProgress,
				JobID:   jobID,
				AgentID: a.info.ID,
				Progress: &models.JobProgress{
					JobID:      jobID,
					Percentage: percentage,
					Message:    message,
					Timestamp:  time.Now().UTC(),
				},
			})
		},
	}

	result := a.runHandler(jobCtx, cc)
	result.JobID = jobID
	result.Duration = time.Since(started)
	result.FinishedAt = time.Now().UTC()

	a.report(ctx, &transport.Report{
		Kind:    transport.RptResult,
		JobID:   jobID,
		AgentID: a.info.ID,
		Result:  result,
	})
}

func (a *Agent) runHandler(ctx context.Context, cc *CommandContext) *models.JobResult {
	e, err := a.registry.lookup(cc.Request.Command)
	if err != nil {
		return failedResult(err)
	}

	var data []byte
	switch e.pattern {
	case models.PatternFireAndForget:
		err = e.fireAndForget(ctx, cc)

	case models.PatternRequestResponse:
		data, err = e.request(ctx, cc)

	case models.PatternStreaming:
		seq := 0
		err = e.streaming(ctx, cc, func(item []byte) error {
			seq++
			return a.report(ctx, &transport.Report{
				Kind:    transport.RptStreamItem,
				JobID:   cc.JobID,
				AgentID: a.info.ID,
				StreamItem: &models.StreamItem{
					JobID:     cc.JobID,
					Sequence:  seq,
					Data:      item,
					Timestamp: time.Now().UTC(),
				},
			})
		})
		if err == nil {
			seq++
			a.report(ctx, &transport.Report{
				Kind:    transport.RptStreamItem,
				JobID:   cc.JobID,
				AgentID: a.info.ID,
				StreamItem: &models.StreamItem{
					JobID:     cc.JobID,
					Sequence:  seq,
					Final:     true,
					Timestamp: time.Now().UTC(),
				},
			})
		}

	case models.PatternLongRunning:
		var result *models.JobResult
		result, err = e.longRunning(ctx, cc)
		if err == nil && result != nil {
			return result
		}
	}

	switch {
	case err == nil:
		return &models.JobResult{Status: models.JobCompleted, Data: data}
	case errors.Is(err, context.Canceled):
		return &models.JobResult{Status: models.JobCancelled, Error: "cancelled"}
	case errors.Is(err, context.DeadlineExceeded):
		return &models.JobResult{Status: models.JobTimedOut, Error: "handler timed out"}
	default:
		return failedResult(err)
	}
}

func failedResult(err error) *models.JobResult {
	return &models.JobResult{
		Status:    models.JobFailed,
		Error:     err.Error(),
		ErrorCode: oerr.CodeOf(err),
	}
}

func (a *Agent) cancelJob(jobID, reason string) {
	a.mu.Lock()
	cancel, ok := a.running[jobID]
	a.mu.Unlock()
	if !ok {
		return
	}
	a.log.Info("cancelling job", "job_id", jobID, "reason", reason)
	cancel()
}

func (a *Agent) cancelAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.running {
		a.log.Debug("cancelling job on shutdown", "job_id", id)
		cancel()
	}
}

// report delivers one report, replaying any buffered backlog first.
// Failed deliveries are buffered in arrival order.
func (a *Agent) report(ctx context.Context, rpt *transport.Report) error {
	if a.queue.Len() > 0 && a.conn.Connected() {
		a.flush(ctx)
	}

	if err := a.conn.Report(ctx, rpt); err != nil {
		if a.queue.Push(rpt) {
			a.log.Warn("reconnect queue overflow, oldest report dropped")
		}
		a.log.Debug("report buffered", "kind", rpt.Kind, "queued", a.queue.Len())
		return err
	}
	return nil
}

func (a *Agent) flush(ctx context.Context) {
	backlog := a.queue.Drain()
	if len(backlog) == 0 {
		return
	}
	a.log.Info("replaying buffered reports", "count", len(backlog))
	for i, rpt := range backlog {
		if err := a.conn.Report(ctx, rpt); err != nil {
			// Still down: requeue the failed report and the untried
			// remainder, preserving arrival order.
			for _, pending := range backlog[i:] {
				a.queue.Push(pending)
			}
			a.log.Debug("replay interrupted", "requeued", len(backlog)-i, "error", err)
			return
		}
	}
}
