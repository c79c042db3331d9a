package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// panicStackBytes bounds the goroutine stack captured for a panic.
const panicStackBytes = 8 << 10

// Recovery answers 500 when a handler panics and logs the panic with the
// request it happened in. A panic carrying an error is logged as that error.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				perr, ok := r.(error)
				if !ok {
					perr = fmt.Errorf("%v", r)
				}
				stack := make([]byte, panicStackBytes)
				stack = stack[:runtime.Stack(stack, false)]

				requestEvent(logger.Error().Err(perr), c).
					Bytes("stack", stack).
					Msg("panic recovered")
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
