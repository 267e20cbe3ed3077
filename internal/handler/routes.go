package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"serverless-launcher/internal/config"
	"serverless-launcher/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, invoke *InvokeHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/launcher/status", health.Status)

	e.POST("/invoke", invoke.Invoke)
	e.POST("/2015-03-31/functions/function/invocations", invoke.Invoke)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
