package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/oerr"
	redisWrapper "github.com/orbitmesh/orbitmesh/common/redis"
)

const (
	reportQueue        = "orbitmesh:reports"
	commandStreamFmt   = "orbitmesh:commands:%s"
	replyQueueFmt      = "orbitmesh:reply:%s"
	registerReplyTTL   = 30 * time.Second
	reportPollInterval = 5 * time.Second
)

// RedisHost is the host side of the Redis-streams transport. Commands go
// to per-agent streams; reports arrive on a shared list consumed with
// BLPOP, which preserves per-session order because each node session
// writes its reports sequentially.
type RedisHost struct {
	redis    *redisWrapper.Client
	channels *ChannelRegistry
	handler  ReportHandler
	log      *logger.Logger
}

// NewRedisHost creates the host transport endpoint.
func NewRedisHost(redis *redisWrapper.Client, log *logger.Logger) *RedisHost {
	return &RedisHost{
		redis:    redis,
		channels: NewChannelRegistry(),
		log:      log,
	}
}

// SetHandler installs the host-side report handler.
func (h *RedisHost) SetHandler(handler ReportHandler) {
	h.handler = handler
}

// Channels exposes the channel registry for fan-out joins.
func (h *RedisHost) Channels() *ChannelRegistry {
	return h.channels
}

// Send delivers a command to an agent's command stream.
func (h *RedisHost) Send(ctx context.Context, agentID string, cmd *Command) error {
	cmd.SentAt = time.Now().UTC()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	stream := fmt.Sprintf(commandStreamFmt, agentID)
	if _, err := h.redis.AddToStream(ctx, stream, map[string]interface{}{
		"command": string(payload),
	}); err != nil {
		return oerr.Wrap(oerr.Transient, err, "send command")
	}
	return nil
}

// Broadcast delivers a command to every member of a channel.
func (h *RedisHost) Broadcast(ctx context.Context, channel string, cmd *Command) error {
	for _, agentID := range h.channels.Members(channel) {
		if err := h.Send(ctx, agentID, cmd); err != nil {
			h.log.Warn("broadcast send failed", "channel", channel, "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// Start runs the report pump until ctx is cancelled. Failures on a single
// report are logged and isolated.
func (h *RedisHost) Start(ctx context.Context) error {
	h.log.Info("transport report pump starting", "queue", reportQueue)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("transport report pump shutting down")
			return ctx.Err()
		default:
			result, err := h.redis.BlockingPopList(ctx, reportPollInterval, reportQueue)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.log.Error("failed to read report", "error", err)
				continue
			}
			if result == nil {
				// Timeout, continue loop
				continue
			}
			if len(result) < 2 {
				h.log.Error("invalid report format")
				continue
			}

			var rpt Report
			if err := json.Unmarshal([]byte(result[1]), &rpt); err != nil {
				h.log.Error("failed to parse report", "error", err)
				continue
			}

			h.dispatch(ctx, &rpt)
		}
	}
}

func (h *RedisHost) dispatch(ctx context.Context, rpt *Report) {
	if h.handler == nil {
		h.log.Error("report received before handler installed", "kind", rpt.Kind)
		return
	}

	switch rpt.Kind {
	case RptRegister:
		result := h.handler.OnRegister(ctx, rpt.ConnectionID, rpt.Agent)
		if rpt.ReplyTo == "" {
			return
		}
		payload, err := json.Marshal(result)
		if err != nil {
			h.log.Error("failed to marshal registration result", "error", err)
			return
		}
		if err := h.redis.PushToList(ctx, fmt.Sprintf(replyQueueFmt, rpt.ReplyTo), string(payload)); err != nil {
			h.log.Error("failed to push registration reply", "error", err)
		}
	case RptUnregister:
		h.handler.OnUnregister(ctx, rpt.AgentID)
	case RptHeartbeat:
		h.handler.OnHeartbeat(ctx, rpt.AgentID)
	case RptAck:
		h.handler.OnAcknowledgeJob(ctx, rpt.JobID, rpt.AgentID)
	case RptResult:
		h.handler.OnReportResult(ctx, rpt.Result)
	case RptProgress:
		h.handler.OnReportProgress(ctx, rpt.Progress)
	case RptState:
		h.handler.OnReportState(ctx, rpt.AgentID, rpt.State)
	case RptStreamItem:
		h.handler.OnReportStreamItem(ctx, rpt.StreamItem)
	default:
		h.log.Warn("unknown report kind", "kind", rpt.Kind)
	}
}
