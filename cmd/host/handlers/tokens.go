package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/container"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// TokenHandler serves API token management.
type TokenHandler struct {
	c *container.Container
}

func NewTokenHandler(c *container.Container) *TokenHandler {
	return &TokenHandler{c: c}
}

// CreateToken mints a new API token. The plaintext appears only in this
// response.
// POST /api/tokens
func (h *TokenHandler) CreateToken(c echo.Context) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, oerr.Wrap(oerr.Validation, err, "invalid token request"))
	}

	token, plaintext, err := h.c.Enrollment.CreateAPIToken(c.Request().Context(), body.Name)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"token":  token,
		"secret": plaintext,
	})
}

// ListTokens returns all API tokens (hashes are never serialised).
// GET /api/tokens
func (h *TokenHandler) ListTokens(c echo.Context) error {
	tokens, err := h.c.Enrollment.ListAPITokens(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, tokens)
}

// RevokeToken revokes one token.
// DELETE /api/tokens/:id
func (h *TokenHandler) RevokeToken(c echo.Context) error {
	if err := h.c.Enrollment.RevokeAPIToken(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
