package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"serverless-launcher/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus
// metrics for each request to the local invoke server.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError is written later by the central error
			// handler, so the response status is not final yet.
			statusCode := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				statusCode = he.Code
			}

			// Prefer the matched route so invocations posted to the runtime
			// emulation path share one label.
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(route)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
