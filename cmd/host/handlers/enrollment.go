package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/container"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// EnrollmentHandler serves bootstrap token and enrollment queue
// endpoints.
type EnrollmentHandler struct {
	c *container.Container
}

func NewEnrollmentHandler(c *container.Container) *EnrollmentHandler {
	return &EnrollmentHandler{c: c}
}

// GetBootstrapToken returns the bootstrap token record (never the
// secret).
// GET /api/enrollment/bootstrap-token
func (h *EnrollmentHandler) GetBootstrapToken(c echo.Context) error {
	token, err := h.c.Enrollment.BootstrapToken(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, token)
}

// RegenerateBootstrapToken rotates the secret; the plaintext appears
// only in this response.
// POST /api/enrollment/bootstrap-token/regenerate
func (h *EnrollmentHandler) RegenerateBootstrapToken(c echo.Context) error {
	token, plaintext, err := h.c.Enrollment.RegenerateBootstrapToken(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":  token,
		"secret": plaintext,
	})
}

// UpdateBootstrapToken sets the enabled and auto-approve flags.
// PUT /api/enrollment/bootstrap-token
func (h *EnrollmentHandler) UpdateBootstrapToken(c echo.Context) error {
	var body struct {
		Enabled     bool `json:"enabled"`
		AutoApprove bool `json:"auto_approve"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid request"))
	}

	token, err := h.c.Enrollment.SetBootstrapTokenOptions(c.Request().Context(), body.Enabled, body.AutoApprove)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, token)
}

// ListEnrollments returns enrollments, optionally filtered by ?status=.
// GET /api/enrollment
func (h *EnrollmentHandler) ListEnrollments(c echo.Context) error {
	enrollments, err := h.c.Enrollment.ListEnrollments(
		c.Request().Context(), models.EnrollmentStatus(c.QueryParam("status")))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, enrollments)
}

// DecideEnrollment approves, rejects or blocks a pending enrollment.
// POST /api/enrollment/:id/decide
func (h *EnrollmentHandler) DecideEnrollment(c echo.Context) error {
	var body struct {
		Status models.EnrollmentStatus `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid decision"))
	}

	enrollment, err := h.c.Enrollment.Decide(c.Request().Context(), c.Param("id"), body.Status)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, enrollment)
}

// Enroll processes a node's bootstrap enrollment request. This endpoint
// is unauthenticated; the bootstrap secret is the credential.
// POST /api/enrollment
func (h *EnrollmentHandler) Enroll(c echo.Context) error {
	var body struct {
		BootstrapToken string   `json:"bootstrap_token"`
		NodeID         string   `json:"node_id"`
		NodeName       string   `json:"node_name"`
		PublicKey      string   `json:"public_key"`
		Capabilities   []string `json:"capabilities"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid enrollment request"))
	}
	if body.NodeID == "" {
		return fail(c, oerr.New(oerr.Validation, "node_id is required"))
	}

	enrollment, err := h.c.Enrollment.Enroll(c.Request().Context(),
		body.BootstrapToken, body.NodeID, body.NodeName, body.PublicKey, body.Capabilities)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, enrollment)
}
