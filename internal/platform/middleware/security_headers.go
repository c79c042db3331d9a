package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for the operator console. Import
// responses carry patient data and are never cached; the metrics endpoint
// is left cacheable for scrapers.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if !strings.HasPrefix(c.Request().URL.Path, "/metrics") {
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}
