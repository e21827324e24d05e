package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	redisWrapper "github.com/orbitmesh/orbitmesh/common/redis"
)

const (
	commandGroup    = "node"
	registerTimeout = 10 * time.Second
)

// RedisConn is the node side of the Redis-streams transport. Commands are
// consumed from the agent's stream with a consumer group so delivery is
// at-least-once; reports are pushed to the shared report list.
type RedisConn struct {
	redis        *redisWrapper.Client
	connectionID string
	agentID      string
	commands     chan *Command
	connected    atomic.Bool
	cancel       context.CancelFunc
	log          *logger.Logger
}

// NewRedisConn creates a node session handle. The session only becomes
// live after Register succeeds.
func NewRedisConn(redis *redisWrapper.Client, agentID string, log *logger.Logger) *RedisConn {
	return &RedisConn{
		redis:        redis,
		connectionID: uuid.New().String(),
		agentID:      agentID,
		commands:     make(chan *Command, 256),
		log:          log,
	}
}

// ConnectionID returns the session's identity.
func (c *RedisConn) ConnectionID() string {
	return c.connectionID
}

// Register enrolls the agent and starts the command consumer loop.
func (c *RedisConn) Register(ctx context.Context, agent *models.AgentInfo) (*models.RegistrationResult, error) {
	rpt := &Report{
		Kind:         RptRegister,
		ConnectionID: c.connectionID,
		AgentID:      agent.ID,
		Agent:        agent,
		ReplyTo:      c.connectionID,
		SentAt:       time.Now().UTC(),
	}

	payload, err := json.Marshal(rpt)
	if err != nil {
		return nil, fmt.Errorf("marshal register report: %w", err)
	}
	if err := c.redis.PushToList(ctx, reportQueue, string(payload)); err != nil {
		return nil, fmt.Errorf("send register report: %w", err)
	}

	reply, err := c.redis.BlockingPopList(ctx, registerTimeout, fmt.Sprintf(replyQueueFmt, c.connectionID))
	if err != nil {
		return nil, fmt.Errorf("await registration reply: %w", err)
	}
	if reply == nil {
		return nil, fmt.Errorf("registration timed out")
	}

	var result models.RegistrationResult
	if err := json.Unmarshal([]byte(reply[1]), &result); err != nil {
		return nil, fmt.Errorf("parse registration result: %w", err)
	}
	if !result.Success {
		return &result, nil
	}

	stream := fmt.Sprintf(commandStreamFmt, c.agentID)
	if err := c.redis.CreateStreamGroup(ctx, stream, commandGroup); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.connected.Store(true)
	go c.consumeCommands(loopCtx, stream)

	return &result, nil
}

// consumeCommands reads the agent's command stream in order and feeds the
// Commands channel.
func (c *RedisConn) consumeCommands(ctx context.Context, stream string) {
	defer close(c.commands)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.redis.ReadFromStreamGroup(ctx, commandGroup, c.connectionID, stream, 16, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("command stream read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				raw, ok := msg.Values["command"].(string)
				if !ok {
					c.log.Warn("command message missing payload", "message_id", msg.ID)
					_ = c.redis.AckStreamMessage(ctx, stream, commandGroup, msg.ID)
					continue
				}

				var cmd Command
				if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
					c.log.Error("failed to parse command", "message_id", msg.ID, "error", err)
					_ = c.redis.AckStreamMessage(ctx, stream, commandGroup, msg.ID)
					continue
				}

				select {
				case c.commands <- &cmd:
					_ = c.redis.AckStreamMessage(ctx, stream, commandGroup, msg.ID)
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Report sends a fire-and-forget node→host report.
func (c *RedisConn) Report(ctx context.Context, rpt *Report) error {
	rpt.ConnectionID = c.connectionID
	rpt.SentAt = time.Now().UTC()

	payload, err := json.Marshal(rpt)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := c.redis.PushToList(ctx, reportQueue, string(payload)); err != nil {
		c.connected.Store(false)
		return err
	}
	c.connected.Store(true)
	return nil
}

// Commands returns the ordered host→node command stream.
func (c *RedisConn) Commands() <-chan *Command {
	return c.commands
}

// Connected reports whether the last exchange with the host succeeded.
func (c *RedisConn) Connected() bool {
	return c.connected.Load()
}

// Close tears down the session.
func (c *RedisConn) Close() error {
	c.connected.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
