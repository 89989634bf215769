package middleware

import (
	"github.com/labstack/echo/v4"

	"echo-from/internal/httpheader"
)

// SecurityHeaders returns an Echo middleware that strips connection-scoped
// headers from the inbound request and marks responses nosniff and
// non-frameable. Headers relayed from an upstream replace these defaults.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			req.Header = httpheader.Filter(req.Header)

			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
