package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/container"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// DeploymentHandler serves deployment profile and execution endpoints.
type DeploymentHandler struct {
	c *container.Container
}

func NewDeploymentHandler(c *container.Container) *DeploymentHandler {
	return &DeploymentHandler{c: c}
}

// CreateProfile stores a new deployment profile and, when enabled,
// starts watching its source path.
// POST /api/deployment/profiles
func (h *DeploymentHandler) CreateProfile(c echo.Context) error {
	var profile models.DeploymentProfile
	if err := c.Bind(&profile); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid deployment profile"))
	}
	if profile.ID == "" {
		profile.ID = uuid.New().String()
	}
	profile.CreatedAt = time.Now().UTC()

	if err := h.c.Deployment.Profiles().SaveProfile(c.Request().Context(), &profile); err != nil {
		return fail(c, err)
	}
	h.rewatch(&profile)
	return c.JSON(http.StatusCreated, profile)
}

// ListProfiles returns all profiles.
// GET /api/deployment/profiles
func (h *DeploymentHandler) ListProfiles(c echo.Context) error {
	profiles, err := h.c.Deployment.Profiles().ListProfiles(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, profiles)
}

// GetProfile returns one profile.
// GET /api/deployment/profiles/:id
func (h *DeploymentHandler) GetProfile(c echo.Context) error {
	profile, err := h.c.Deployment.Profiles().GetProfile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, profile)
}

// UpdateProfile replaces a profile and refreshes the file watch.
// PUT /api/deployment/profiles/:id
func (h *DeploymentHandler) UpdateProfile(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	prev, err := h.c.Deployment.Profiles().GetProfile(ctx, id)
	if err != nil {
		return fail(c, err)
	}

	var profile models.DeploymentProfile
	if err := c.Bind(&profile); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid deployment profile"))
	}
	profile.ID = id
	profile.CreatedAt = prev.CreatedAt

	if err := h.c.Deployment.Profiles().SaveProfile(ctx, &profile); err != nil {
		return fail(c, err)
	}
	h.rewatch(&profile)
	return c.JSON(http.StatusOK, profile)
}

// DeleteProfile removes a profile and its file watch.
// DELETE /api/deployment/profiles/:id
func (h *DeploymentHandler) DeleteProfile(c echo.Context) error {
	id := c.Param("id")
	if err := h.c.Deployment.Profiles().DeleteProfile(c.Request().Context(), id); err != nil {
		return fail(c, err)
	}
	if h.c.Watcher != nil {
		h.c.Watcher.Unwatch(id)
	}
	return c.NoContent(http.StatusNoContent)
}

// Deploy launches a manual deployment for a profile.
// POST /api/deployment/profiles/:id/deploy
func (h *DeploymentHandler) Deploy(c echo.Context) error {
	executions, err := h.c.Deployment.Deploy(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, executions)
}

// MatchingAgents previews which nodes a profile would target.
// GET /api/deployment/profiles/:id/agents
func (h *DeploymentHandler) MatchingAgents(c echo.Context) error {
	profile, err := h.c.Deployment.Profiles().GetProfile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, h.c.Deployment.MatchingAgents(profile))
}

// ListExecutions returns a page of executions.
// GET /api/deployment/executions?profileId=&limit=&offset=
func (h *DeploymentHandler) ListExecutions(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if limit <= 0 {
		limit = 50
	}

	executions, total, err := h.c.Deployment.Executions().ListExecutions(
		c.Request().Context(), c.QueryParam("profileId"), limit, offset)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"executions": executions,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// CancelExecution aborts a running execution.
// POST /api/deployment/executions/:id/cancel
func (h *DeploymentHandler) CancelExecution(c echo.Context) error {
	if err := h.c.Deployment.CancelExecution(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Status summarises executions per phase.
// GET /api/deployment/status
func (h *DeploymentHandler) Status(c echo.Context) error {
	status, err := h.c.Deployment.Status(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *DeploymentHandler) rewatch(profile *models.DeploymentProfile) {
	if h.c.Watcher == nil {
		return
	}
	h.c.Watcher.Unwatch(profile.ID)
	if profile.Enabled {
		if err := h.c.Watcher.Watch(profile); err != nil {
			h.c.Components.Logger.Warn("profile watch failed", "profile_id", profile.ID, "error", err)
		}
	}
}
