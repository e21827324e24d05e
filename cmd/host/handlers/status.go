package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/container"
	"github.com/orbitmesh/orbitmesh/common/models"
)

// StatusHandler serves the host overview endpoint.
type StatusHandler struct {
	c       *container.Container
	started time.Time
}

func NewStatusHandler(c *container.Container) *StatusHandler {
	return &StatusHandler{c: c, started: time.Now().UTC()}
}

// GetStatus returns host health and the shape of the current workload.
// GET /api/status
func (h *StatusHandler) GetStatus(c echo.Context) error {
	agents := h.c.Registry.List()
	connected := 0
	for _, a := range agents {
		if a.Status != models.AgentDisconnected {
			connected++
		}
	}

	jobsByStatus := make(map[models.JobStatus]int)
	for _, j := range h.c.Jobs.List() {
		jobsByStatus[j.Status]++
	}

	healthy := true
	if err := h.c.Components.Health(c.Request().Context()); err != nil {
		healthy = false
	}

	return c.JSON(http.StatusOK, map[string]any{
		"healthy":          healthy,
		"uptime_seconds":   int(time.Since(h.started).Seconds()),
		"agents_total":     len(agents),
		"agents_connected": connected,
		"queue_depth":      h.c.Jobs.QueueDepth(),
		"jobs":             jobsByStatus,
		"dashboards":       h.c.Dashboard.ConnectionCount(),
	})
}
