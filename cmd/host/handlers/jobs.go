package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/container"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// JobHandler serves the job submission and lifecycle endpoints.
type JobHandler struct {
	c *container.Container
}

func NewJobHandler(c *container.Container) *JobHandler {
	return &JobHandler{c: c}
}

// ListJobs returns jobs, optionally filtered by status.
// GET /api/jobs?status=
func (h *JobHandler) ListJobs(c echo.Context) error {
	if status := c.QueryParam("status"); status != "" {
		return c.JSON(http.StatusOK, h.c.Jobs.GetByStatus(models.JobStatus(status)))
	}
	return c.JSON(http.StatusOK, h.c.Jobs.List())
}

// SubmitJob enqueues a new job.
// POST /api/jobs
func (h *JobHandler) SubmitJob(c echo.Context) error {
	var req models.JobRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid job request"))
	}
	if req.Command == "" {
		return fail(c, oerr.New(oerr.Validation, "command is required"))
	}

	job, err := h.c.Jobs.Enqueue(req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, job)
}

// GetJob returns one job by id.
// GET /api/jobs/:id
func (h *JobHandler) GetJob(c echo.Context) error {
	job, err := h.c.Jobs.Get(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// CancelJob cancels a job.
// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.Bind(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}

	if err := h.c.Jobs.Cancel(c.Request().Context(), c.Param("id"), body.Reason); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetJobProgress returns the latest progress and history for a job.
// GET /api/jobs/:id/progress
func (h *JobHandler) GetJobProgress(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.c.Jobs.Get(id); err != nil {
		return fail(c, err)
	}
	latest, _ := h.c.Progress.Latest(id)
	return c.JSON(http.StatusOK, map[string]any{
		"latest":  latest,
		"history": h.c.Progress.History(id),
	})
}

// ListDeadLetter returns the dead letter entries.
// GET /api/jobs/deadletter
func (h *JobHandler) ListDeadLetter(c echo.Context) error {
	return c.JSON(http.StatusOK, h.c.Jobs.DeadLetter().List())
}

// RetryDeadLetter requeues one dead letter entry.
// POST /api/jobs/deadletter/:id/retry
func (h *JobHandler) RetryDeadLetter(c echo.Context) error {
	job, err := h.c.Jobs.RetryDeadLetter(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, job)
}
