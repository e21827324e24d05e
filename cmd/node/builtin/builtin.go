// Package builtin provides the node's built-in command handlers.
package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orbitmesh/orbitmesh/cmd/node/dispatch"
	"github.com/orbitmesh/orbitmesh/common/config"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// Register installs the built-in handlers. Shell execution and file
// sync are opt-in through node configuration.
func Register(r *dispatch.Registry, cfg *config.NodeConfig, log *logger.Logger) {
	r.RequestResponse("echo", echoHandler)
	r.LongRunning("sleep", sleepHandler)
	r.Streaming("count", countHandler)

	if cfg.EnableShellExecution {
		r.LongRunning("script.run", scriptHandler(log))
	}
	if cfg.FileSyncRoot != "" {
		r.LongRunning("files.sync", syncHandler(cfg.FileSyncRoot, log))
	}
}

// echoHandler returns the request parameters unchanged.
func echoHandler(_ context.Context, cc *dispatch.CommandContext) ([]byte, error) {
	return cc.Request.Parameters, nil
}

type sleepParams struct {
	Duration string `json:"duration"`
}

// sleepHandler waits out the requested duration, reporting progress in
// ten steps. Used for smoke tests and timeout exercises.
func sleepHandler(ctx context.Context, cc *dispatch.CommandContext) (*models.JobResult, error) {
	duration := time.Second
	var params sleepParams
	if len(cc.Request.Parameters) > 0 {
		if err := json.Unmarshal(cc.Request.Parameters, &params); err != nil {
			return nil, oerr.Wrap(oerr.Validation, err, "invalid sleep parameters")
		}
		if params.Duration != "" {
			d, err := time.ParseDuration(params.Duration)
			if err != nil {
				return nil, oerr.Wrap(oerr.Validation, err, "invalid sleep duration")
			}
			duration = d
		}
	}

	const steps = 10
	slice := duration / steps
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(slice):
		}
		cc.Progress(float64(i)*100/steps, "sleeping")
	}

	return &models.JobResult{Status: models.JobCompleted}, nil
}

type countParams struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// countHandler streams the integers of a closed range, one item each.
func countHandler(ctx context.Context, cc *dispatch.CommandContext, emit dispatch.EmitFunc) error {
	params := countParams{From: 1, To: 10}
	if len(cc.Request.Parameters) > 0 {
		if err := json.Unmarshal(cc.Request.Parameters, &params); err != nil {
			return oerr.Wrap(oerr.Validation, err, "invalid count parameters")
		}
	}
	if params.To < params.From {
		return oerr.New(oerr.Validation, "count range is empty")
	}

	for i := params.From; i <= params.To; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, _ := json.Marshal(i)
		if err := emit(data); err != nil {
			return err
		}
	}
	return nil
}
