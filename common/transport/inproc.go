package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// InprocBroker is a channel-based transport for single-binary deployments
// and tests. Each session has a buffered, ordered command channel; reports
// are dispatched to the host's ReportHandler synchronously, which keeps
// per-session ordering.
type InprocBroker struct {
	mu       sync.RWMutex
	handler  ReportHandler
	channels *ChannelRegistry
	sessions map[string]*inprocSession // agentID → session
	byConn   map[string]*inprocSession // connectionID → session
	log      *logger.Logger
}

type inprocSession struct {
	connectionID string
	agentID      string
	commands     chan *Command
	closed       bool
	mu           sync.Mutex
}

// NewInprocBroker creates a broker with no sessions.
func NewInprocBroker(log *logger.Logger) *InprocBroker {
	return &InprocBroker{
		channels: NewChannelRegistry(),
		sessions: make(map[string]*inprocSession),
		byConn:   make(map[string]*inprocSession),
		log:      log,
	}
}

// SetHandler installs the host-side report handler. Must be called before
// any node connects.
func (b *InprocBroker) SetHandler(h ReportHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Channels exposes the channel registry for fan-out joins.
func (b *InprocBroker) Channels() *ChannelRegistry {
	return b.channels
}

// Send delivers a command to an agent's session.
func (b *InprocBroker) Send(ctx context.Context, agentID string, cmd *Command) error {
	b.mu.RLock()
	sess := b.sessions[agentID]
	b.mu.RUnlock()

	if sess == nil {
		return oerr.Newf(oerr.Transient, "no session for agent %s", agentID)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return oerr.Newf(oerr.Transient, "session closed for agent %s", agentID)
	}

	cmd.SentAt = time.Now().UTC()
	select {
	case sess.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return oerr.Newf(oerr.Transient, "command buffer full for agent %s", agentID)
	}
}

// Broadcast delivers a command to every member of a channel. Individual
// send failures are logged and skipped.
func (b *InprocBroker) Broadcast(ctx context.Context, channel string, cmd *Command) error {
	for _, agentID := range b.channels.Members(channel) {
		if err := b.Send(ctx, agentID, cmd); err != nil {
			b.log.Warn("broadcast send failed", "channel", channel, "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// Connect opens a node session and returns the node-side handle.
func (b *InprocBroker) Connect() *InprocConn {
	sess := &inprocSession{
		connectionID: uuid.New().String(),
		commands:     make(chan *Command, 256),
	}

	b.mu.Lock()
	b.byConn[sess.connectionID] = sess
	b.mu.Unlock()

	return &InprocConn{broker: b, session: sess}
}

// Disconnect tears down a session by connection id, leaving channels and
// notifying the host.
func (b *InprocBroker) Disconnect(ctx context.Context, connectionID string) {
	b.mu.Lock()
	sess := b.byConn[connectionID]
	if sess != nil {
		delete(b.byConn, connectionID)
		if sess.agentID != "" && b.sessions[sess.agentID] == sess {
			delete(b.sessions, sess.agentID)
		}
	}
	handler := b.handler
	b.mu.Unlock()

	if sess == nil {
		return
	}

	sess.mu.Lock()
	if !sess.closed {
		sess.closed = true
		close(sess.commands)
	}
	sess.mu.Unlock()

	if sess.agentID != "" {
		b.channels.LeaveAll(sess.agentID)
	}
	if handler != nil {
		handler.OnDisconnect(ctx, connectionID)
	}
}

// InprocConn is the node-side session handle.
type InprocConn struct {
	broker  *InprocBroker
	session *inprocSession
}

// ConnectionID returns the session's identity.
func (c *InprocConn) ConnectionID() string {
	return c.session.connectionID
}

// Register enrolls the agent with the host and binds the session.
func (c *InprocConn) Register(ctx context.Context, agent *models.AgentInfo) (*models.RegistrationResult, error) {
	c.broker.mu.Lock()
	handler := c.broker.handler
	c.broker.mu.Unlock()

	if handler == nil {
		return nil, fmt.Errorf("no host handler installed")
	}

	result := handler.OnRegister(ctx, c.session.connectionID, agent)
	if result == nil || !result.Success {
		return result, nil
	}

	c.broker.mu.Lock()
	c.session.agentID = agent.ID
	// Replace any previous live session for the same agent id.
	if prev, ok := c.broker.sessions[agent.ID]; ok && prev != c.session {
		prev.mu.Lock()
		if !prev.closed {
			prev.closed = true
			close(prev.commands)
		}
		prev.mu.Unlock()
		delete(c.broker.byConn, prev.connectionID)
	}
	c.broker.sessions[agent.ID] = c.session
	c.broker.mu.Unlock()

	return result, nil
}

// Report dispatches a node→host report.
func (c *InprocConn) Report(ctx context.Context, rpt *Report) error {
	c.broker.mu.RLock()
	handler := c.broker.handler
	c.broker.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no host handler installed")
	}

	rpt.ConnectionID = c.session.connectionID
	rpt.SentAt = time.Now().UTC()

	switch rpt.Kind {
	case RptUnregister:
		handler.OnUnregister(ctx, rpt.AgentID)
	case RptHeartbeat:
		handler.OnHeartbeat(ctx, rpt.AgentID)
	case RptAck:
		handler.OnAcknowledgeJob(ctx, rpt.JobID, rpt.AgentID)
	case RptResult:
		handler.OnReportResult(ctx, rpt.Result)
	case RptProgress:
		handler.OnReportProgress(ctx, rpt.Progress)
	case RptState:
		handler.OnReportState(ctx, rpt.AgentID, rpt.State)
	case RptStreamItem:
		handler.OnReportStreamItem(ctx, rpt.StreamItem)
	default:
		return fmt.Errorf("unknown report kind %q", rpt.Kind)
	}
	return nil
}

// Commands returns the ordered host→node command stream.
func (c *InprocConn) Commands() <-chan *Command {
	return c.session.commands
}

// Connected reports whether the session is live.
func (c *InprocConn) Connected() bool {
	c.session.mu.Lock()
	defer c.session.mu.Unlock()
	return !c.session.closed
}

// Close tears down the session.
func (c *InprocConn) Close() error {
	c.broker.Disconnect(context.Background(), c.session.connectionID)
	return nil
}
