// Package dispatch is the node-side command runtime: a handler registry
// keyed by command name, an executor that drives the four handler
// shapes, and a bounded reconnect queue for outbound reports.
package dispatch

import (
	"context"

	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// ProgressReporter publishes progress for the running job.
type ProgressReporter func(percentage float64, message string)

// EmitFunc publishes one stream item for a streaming handler. The
// runtime appends the final marker after the handler returns.
type EmitFunc func(data []byte) error

// CommandContext carries everything a handler needs for one execution.
// Cancellation arrives through the context passed alongside it.
type CommandContext struct {
	JobID    string
	Request  models.JobRequest
	Progress ProgressReporter
}

// FireAndForgetHandler runs a command with no payload in the result.
type FireAndForgetHandler func(ctx context.Context, cc *CommandContext) error

// RequestResponseHandler runs a command and returns a response payload.
type RequestResponseHandler func(ctx context.Context, cc *CommandContext) ([]byte, error)

// StreamingHandler produces a finite sequence of stream items.
type StreamingHandler func(ctx context.Context, cc *CommandContext, emit EmitFunc) error

// LongRunningHandler owns its full result and reports progress while it
// runs.
type LongRunningHandler func(ctx context.Context, cc *CommandContext) (*models.JobResult, error)

type entry struct {
	pattern       models.JobPattern
	fireAndForget FireAndForgetHandler
	request       RequestResponseHandler
	streaming     StreamingHandler
	longRunning   LongRunningHandler
}

// Registry maps command names to handlers.
type Registry struct {
	handlers map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*entry)}
}

// FireAndForget registers a fire-and-forget handler for a command.
func (r *Registry) FireAndForget(command string, h FireAndForgetHandler) {
	r.handlers[command] = &entry{pattern: models.PatternFireAndForget, fireAndForget: h}
}

// RequestResponse registers a request/response handler for a command.
func (r *Registry) RequestResponse(command string, h RequestResponseHandler) {
	r.handlers[command] = &entry{pattern: models.PatternRequestResponse, request: h}
}

// Streaming registers a streaming handler for a command.
func (r *Registry) Streaming(command string, h StreamingHandler) {
	r.handlers[command] = &entry{pattern: models.PatternStreaming, streaming: h}
}

// LongRunning registers a long-running handler for a command.
func (r *Registry) LongRunning(command string, h LongRunningHandler) {
	r.handlers[command] = &entry{pattern: models.PatternLongRunning, longRunning: h}
}

// Commands returns the registered command names; they double as the
// node's advertised capabilities.
func (r *Registry) Commands() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// Lookup resolves a command to its handler entry.
func (r *Registry) lookup(command string) (*entry, error) {
	e, ok := r.handlers[command]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "no handler for command %q", command).WithCode("unknown_command")
	}
	return e, nil
}
