// Package transport defines the bidirectional RPC contract between the
// host and its nodes. Calls are one-way fire-and-forget except Register,
// which returns the host's reply on the same call. Implementations must
// preserve per-session message ordering and surface connect/disconnect
// events with the originating connection id.
package transport

import (
	"context"
	"time"

	"github.com/orbitmesh/orbitmesh/common/models"
)

// CommandKind discriminates host→node commands.
type CommandKind string

const (
	CmdExecuteJob         CommandKind = "execute_job"
	CmdCancelJob          CommandKind = "cancel_job"
	CmdPing               CommandKind = "ping"
	CmdUpdateDesiredState CommandKind = "update_desired_state"
	CmdShutdown           CommandKind = "shutdown"
)

// Command is one host→node message.
type Command struct {
	Kind         CommandKind        `json:"kind"`
	Job          *models.JobRequest `json:"job,omitempty"`
	JobID        string             `json:"job_id,omitempty"`
	DesiredState map[string]string  `json:"desired_state,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	SentAt       time.Time          `json:"sent_at"`
}

// ReportKind discriminates node→host reports.
type ReportKind string

const (
	RptRegister   ReportKind = "register"
	RptUnregister ReportKind = "unregister"
	RptHeartbeat  ReportKind = "heartbeat"
	RptAck        ReportKind = "ack"
	RptResult     ReportKind = "result"
	RptProgress   ReportKind = "progress"
	RptState      ReportKind = "state"
	RptStreamItem ReportKind = "stream_item"
)

// Report is one node→host message.
type Report struct {
	Kind         ReportKind          `json:"kind"`
	ConnectionID string              `json:"connection_id,omitempty"`
	AgentID      string              `json:"agent_id,omitempty"`
	Agent        *models.AgentInfo   `json:"agent,omitempty"`
	JobID        string              `json:"job_id,omitempty"`
	Result       *models.JobResult   `json:"result,omitempty"`
	Progress     *models.JobProgress `json:"progress,omitempty"`
	State        models.AgentStatus  `json:"state,omitempty"`
	StreamItem   *models.StreamItem  `json:"stream_item,omitempty"`
	SentAt       time.Time           `json:"sent_at"`

	// ReplyTo names the reply mailbox for request/response calls
	// (Register). Only transports that cannot reply in-band use it.
	ReplyTo string `json:"reply_to,omitempty"`
}

// Commander is the host's sending surface toward nodes.
type Commander interface {
	// Send delivers a command to one agent's session. A synchronous error
	// means the command was not handed to the session.
	Send(ctx context.Context, agentID string, cmd *Command) error

	// Broadcast delivers a command to every member of a named channel.
	Broadcast(ctx context.Context, channel string, cmd *Command) error
}

// ReportHandler is implemented by the host core. The transport invokes it
// in per-session order.
type ReportHandler interface {
	OnRegister(ctx context.Context, connectionID string, agent *models.AgentInfo) *models.RegistrationResult
	OnUnregister(ctx context.Context, agentID string)
	OnHeartbeat(ctx context.Context, agentID string)
	OnAcknowledgeJob(ctx context.Context, jobID, agentID string)
	OnReportResult(ctx context.Context, result *models.JobResult)
	OnReportProgress(ctx context.Context, progress *models.JobProgress)
	OnReportState(ctx context.Context, agentID string, state models.AgentStatus)
	OnReportStreamItem(ctx context.Context, item *models.StreamItem)
	OnDisconnect(ctx context.Context, connectionID string)
}

// NodeConn is the node's surface toward the host.
type NodeConn interface {
	// Register performs the request/response enrollment of the session.
	Register(ctx context.Context, agent *models.AgentInfo) (*models.RegistrationResult, error)

	// Report sends a fire-and-forget node→host report.
	Report(ctx context.Context, rpt *Report) error

	// Commands returns the ordered stream of host→node commands.
	Commands() <-chan *Command

	// Connected reports whether the session currently reaches the host.
	Connected() bool

	// Close tears down the session.
	Close() error
}
