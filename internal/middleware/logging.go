// Package middleware provides Echo middleware for the local invoke server.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Requests to quietPaths (health probes, metric scrapes) are logged at debug
// level so they do not drown out invocations.
func RequestLogger(logger *slog.Logger, quietPaths ...string) echo.MiddlewareFunc {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if quiet[req.URL.Path] {
				level = slog.LevelDebug
			}
			if res.Status >= 500 {
				level = slog.LevelWarn
			}

			logger.Log(context.Background(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
