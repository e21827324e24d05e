package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Fixed-window counter: increments the key, sets the window expiry on the
// first hit, and reports remaining window time when over the limit.
const rateLimitScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = redis.call('INCR', key)
if current == 1 then
  redis.call('EXPIRE', key, window)
end

local ttl = redis.call('TTL', key)
if ttl < 0 then
  ttl = window
end

if current > limit then
  return {0, current, limit, ttl}
end
return {1, current, limit, 0}
`

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool
	CurrentCount      int64
	Limit             int64
	RetryAfterSeconds int64
}

// Limiter provides Redis-backed fixed-window rate limiting for inbound
// webhook and trigger traffic.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewLimiter creates a new rate limiter
func NewLimiter(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckWebhook checks the per-webhook-path rate limit
func (l *Limiter) CheckWebhook(ctx context.Context, path string, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("rate_limit:webhook:%s", path)
	return l.check(ctx, key, limit, windowSec)
}

// CheckTrigger checks the per-trigger rate limit
func (l *Limiter) CheckTrigger(ctx context.Context, triggerID string, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("rate_limit:trigger:%s", triggerID)
	return l.check(ctx, key, limit, windowSec)
}

// check executes the rate limit Lua script atomically
func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	result, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Result array: {allowed, current_count, limit, retry_after}
	arr, ok := result.([]interface{})
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	r := &Result{
		Allowed:           arr[0].(int64) == 1,
		CurrentCount:      arr[1].(int64),
		Limit:             arr[2].(int64),
		RetryAfterSeconds: arr[3].(int64),
	}

	if !r.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"current", r.CurrentCount,
			"limit", r.Limit,
			"retry_after", r.RetryAfterSeconds)
	}

	return r, nil
}

// Reset clears a rate limit counter (for testing/admin)
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}
