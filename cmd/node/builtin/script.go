package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/orbitmesh/orbitmesh/cmd/node/dispatch"
	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

type scriptParams struct {
	Script string `json:"script"`
}

// scriptHandler runs a shell script and returns its combined output.
// Only registered when shell execution is enabled in node config.
func scriptHandler(log *logger.Logger) dispatch.LongRunningHandler {
	return func(ctx context.Context, cc *dispatch.CommandContext) (*models.JobResult, error) {
		var params scriptParams
		if err := json.Unmarshal(cc.Request.Parameters, &params); err != nil {
			return nil, oerr.Wrap(oerr.Validation, err, "invalid script parameters")
		}
		if params.Script == "" {
			return nil, oerr.New(oerr.Validation, "script is required")
		}

		log.Info("running script", "job_id", cc.JobID)
		cc.Progress(0, "script starting")

		var output bytes.Buffer
		cmd := exec.CommandContext(ctx, "sh", "-c", params.Script)
		cmd.Stdout = &output
		cmd.Stderr = &output

		err := cmd.Run()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return &models.JobResult{
				Status:    models.JobFailed,
				Data:      output.Bytes(),
				Error:     err.Error(),
				ErrorCode: "script_failed",
			}, nil
		}

		cc.Progress(100, "script finished")
		return &models.JobResult{Status: models.JobCompleted, Data: output.Bytes()}, nil
	}
}
