package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/container"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// AgentHandler serves the node registry endpoints.
type AgentHandler struct {
	c *container.Container
}

func NewAgentHandler(c *container.Container) *AgentHandler {
	return &AgentHandler{c: c}
}

// ListAgents returns all registered nodes.
// GET /api/agents
func (h *AgentHandler) ListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, h.c.Registry.List())
}

// GetAgent returns one node by id.
// GET /api/agents/:id
func (h *AgentHandler) GetAgent(c echo.Context) error {
	id := c.Param("id")
	agent, ok := h.c.Registry.Get(id)
	if !ok {
		return fail(c, oerr.Newf(oerr.NotFound, "agent %s not found", id))
	}
	return c.JSON(http.StatusOK, agent)
}
