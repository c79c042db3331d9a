package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const RequestIDHeader = "X-Request-ID"

// requestIDKey is the echo context key RequestID stores the id under.
const requestIDKey = "request_id"

// RequestID stores the incoming X-Request-ID, or a new one, in the context
// and echoes it on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set(requestIDKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

// GetRequestID returns the id set by RequestID, or "" outside it.
func GetRequestID(c echo.Context) string {
	rid, _ := c.Get(requestIDKey).(string)
	return rid
}

// requestEvent adds the request id, method and path to evt.
func requestEvent(evt *zerolog.Event, c echo.Context) *zerolog.Event {
	req := c.Request()
	return evt.
		Str(requestIDKey, GetRequestID(c)).
		Str("method", req.Method).
		Str("path", req.URL.Path)
}
