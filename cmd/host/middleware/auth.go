package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/orbitmesh/cmd/host/enrollment"
)

// AdminPasswordHeader carries the admin credential on API requests.
const AdminPasswordHeader = "X-Admin-Password"

// AdminAuth guards admin endpoints. A request passes with the configured
// admin password or a valid API token (Authorization: Bearer <token>).
// With no password configured the API is open; intended for local
// development only.
func AdminAuth(password string, tokens *enrollment.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if password == "" {
				return next(c)
			}

			supplied := c.Request().Header.Get(AdminPasswordHeader)
			if supplied != "" && subtle.ConstantTimeCompare([]byte(supplied), []byte(password)) == 1 {
				return next(c)
			}

			if bearer := bearerToken(c); bearer != "" && tokens != nil {
				if _, err := tokens.ValidateAPIToken(c.Request().Context(), bearer); err == nil {
					return next(c)
				}
			}

			return c.JSON(http.StatusUnauthorized, map[string]any{
				"error": "authentication required",
				"code":  "unauthorized",
			})
		}
	}
}

func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
