package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/container"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// DashboardHandler serves the websocket push channel and webhook
// ingestion.
type DashboardHandler struct {
	c *container.Container
}

func NewDashboardHandler(c *container.Container) *DashboardHandler {
	return &DashboardHandler{c: c}
}

// ServeWS upgrades the connection and attaches it to the event hub.
// GET /api/dashboard/ws
func (h *DashboardHandler) ServeWS(c echo.Context) error {
	return h.c.Dashboard.ServeWS(c.Response(), c.Request())
}

// HandleWebhook routes an inbound webhook to its registered triggers.
// ANY /api/webhooks/:path
func (h *DashboardHandler) HandleWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "reading webhook body"))
	}

	headers := make(map[string]string)
	for name := range c.Request().Header {
		headers[name] = c.Request().Header.Get(name)
	}

	started, err := h.c.Triggers.ProcessWebhook(
		c.Request().Context(), c.Param("path"), c.Request().Method, body, headers)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"started_instances": started})
}
