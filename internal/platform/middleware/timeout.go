package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on each request context and answers 504 if
// the handler has not finished when it expires.
//
// WebSocket upgrades (/ws) are long-lived and audio uploads are bounded by
// the transcriber client's own timeout, so neither gets a deadline here.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if isWebSocketPath(req.URL.Path) || isAudioUpload(req) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(req.Context(), timeout)
			defer cancel()
			c.SetRequest(req.WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")
				}
				return ctx.Err()
			}
		}
	}
}

func isWebSocketPath(path string) bool {
	return path == "/ws" || strings.HasPrefix(path, "/ws/")
}
