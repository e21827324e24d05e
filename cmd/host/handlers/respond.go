package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// fail maps the error taxonomy onto HTTP status codes and renders the
// standard {error, code?} body.
func fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch oerr.KindOf(err) {
	case oerr.Validation:
		status = http.StatusBadRequest
	case oerr.NotFound:
		status = http.StatusNotFound
	case oerr.Conflict:
		status = http.StatusConflict
	case oerr.Policy:
		status = http.StatusForbidden
	case oerr.Transient:
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"error": err.Error()}
	if code := oerr.CodeOf(err); code != "" {
		body["code"] = code
	}
	return c.JSON(status, body)
}
