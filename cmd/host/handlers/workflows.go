package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/container"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// WorkflowHandler serves workflow definition and instance endpoints.
type WorkflowHandler struct {
	c *container.Container
}

func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{c: c}
}

// CreateWorkflow stores a new workflow version and activates its
// triggers.
// POST /api/workflows
func (h *WorkflowHandler) CreateWorkflow(c echo.Context) error {
	var def models.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid workflow definition"))
	}
	if def.ID == "" || def.Version == "" || len(def.Steps) == 0 {
		return fail(c, oerr.New(oerr.Validation, "workflow id, version and steps are required"))
	}
	def.CreatedAt = time.Now().UTC()
	def.UpdatedAt = def.CreatedAt

	if err := h.c.Workflows.Definitions().SaveDefinition(c.Request().Context(), &def); err != nil {
		return fail(c, err)
	}
	if def.IsActive && len(def.Triggers) > 0 {
		h.c.Triggers.Activate(&def)
	}
	return c.JSON(http.StatusCreated, def)
}

// ListWorkflows returns all stored workflow versions.
// GET /api/workflows
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	defs, err := h.c.Workflows.Definitions().ListDefinitions(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, defs)
}

// GetWorkflow returns one workflow, latest version unless ?version= is
// given.
// GET /api/workflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var def *models.WorkflowDefinition
	var err error
	if version := c.QueryParam("version"); version != "" {
		def, err = h.c.Workflows.Definitions().GetDefinition(ctx, id, version)
	} else {
		def, err = h.c.Workflows.Definitions().LatestDefinition(ctx, id)
	}
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// UpdateWorkflow replaces a workflow version in place, re-activating its
// triggers.
// PUT /api/workflows/:id
func (h *WorkflowHandler) UpdateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var def models.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid workflow definition"))
	}
	def.ID = id
	if def.Version == "" {
		return fail(c, oerr.New(oerr.Validation, "workflow version is required"))
	}

	prev, err := h.c.Workflows.Definitions().GetDefinition(ctx, id, def.Version)
	if err != nil {
		return fail(c, err)
	}
	def.CreatedAt = prev.CreatedAt
	def.UpdatedAt = time.Now().UTC()

	h.c.Triggers.Deactivate(id, def.Version)
	if err := h.c.Workflows.Definitions().DeleteDefinition(ctx, id, def.Version); err != nil {
		return fail(c, err)
	}
	if err := h.c.Workflows.Definitions().SaveDefinition(ctx, &def); err != nil {
		return fail(c, err)
	}
	if def.IsActive && len(def.Triggers) > 0 {
		h.c.Triggers.Activate(&def)
	}
	return c.JSON(http.StatusOK, def)
}

// DeleteWorkflow removes a workflow version (or every version when
// ?version= is absent is rejected).
// DELETE /api/workflows/:id?version=
func (h *WorkflowHandler) DeleteWorkflow(c echo.Context) error {
	id := c.Param("id")
	version := c.QueryParam("version")
	if version == "" {
		return fail(c, oerr.New(oerr.Validation, "version query parameter is required"))
	}

	h.c.Triggers.Deactivate(id, version)
	if err := h.c.Workflows.Definitions().DeleteDefinition(c.Request().Context(), id, version); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// StartWorkflow starts the latest version manually.
// POST /api/workflows/:id/start
func (h *WorkflowHandler) StartWorkflow(c echo.Context) error {
	var body struct {
		Input       map[string]any `json:"input"`
		InitiatedBy string         `json:"initiated_by"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid start request"))
	}

	instance, err := h.c.Triggers.TriggerManually(c.Request().Context(), c.Param("id"), body.Input, body.InitiatedBy)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, instance)
}

// ListInstances returns workflow instances, optionally filtered.
// GET /api/workflows/instances?workflowId=
func (h *WorkflowHandler) ListInstances(c echo.Context) error {
	instances, err := h.c.Workflows.ListInstances(c.Request().Context(), c.QueryParam("workflowId"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, instances)
}

// GetInstance returns one instance by id.
// GET /api/instances/:id
func (h *WorkflowHandler) GetInstance(c echo.Context) error {
	instance, err := h.c.Workflows.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, instance)
}

// CancelInstance cancels a running instance.
// POST /api/instances/:id/cancel
func (h *WorkflowHandler) CancelInstance(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.Bind(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}

	if err := h.c.Workflows.Cancel(c.Request().Context(), c.Param("id"), body.Reason); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ApproveStep records an approval decision for a waiting step.
// POST /api/instances/:id/steps/:stepId/approve
func (h *WorkflowHandler) ApproveStep(c echo.Context) error {
	var decision models.ApprovalDecision
	if err := c.Bind(&decision); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid approval"))
	}
	if decision.Approver == "" {
		return fail(c, oerr.New(oerr.Validation, "approver is required"))
	}
	decision.DecidedAt = time.Now().UTC()

	if err := h.c.Workflows.Approve(c.Param("id"), c.Param("stepId"), decision); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PublishEvent feeds an external event into the trigger service and any
// waiting workflow steps.
// POST /api/events
func (h *WorkflowHandler) PublishEvent(c echo.Context) error {
	var body struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid event"))
	}
	if body.Type == "" {
		return fail(c, oerr.New(oerr.Validation, "event type is required"))
	}

	started, err := h.c.Triggers.ProcessEvent(c.Request().Context(), body.Type, body.Data)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"started_instances": started})
}
