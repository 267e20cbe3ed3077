package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"serverless-launcher/internal/config"
	"serverless-launcher/internal/supervisor"
)

// Version is a string type for dependency injection of the build version.
type Version string

type backendState interface {
	State() (supervisor.State, error)
	Marker() (supervisor.Marker, bool, error)
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	backend backendState
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, sup *supervisor.Supervisor) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, backend: sup}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the launcher version and what it knows about the backend.
func (h *HealthHandler) Status(c echo.Context) error {
	state, err := h.backend.State()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "could not read liveness marker",
		})
	}

	body := map[string]any{
		"status":    "ok",
		"version":   string(h.version),
		"state":     state.String(),
		"dev":       h.cfg.Launcher.Dev,
		"base_path": h.cfg.Launcher.BasePath,
	}

	if m, ok, err := h.backend.Marker(); err == nil && ok {
		body["pid"] = m.PID
		port := m.Port
		if port == 0 {
			port = h.cfg.Backend.Port
		}
		body["port"] = port
		if !m.StartedAt.IsZero() {
			body["started_at"] = m.StartedAt
		}
	}

	return c.JSON(http.StatusOK, body)
}
