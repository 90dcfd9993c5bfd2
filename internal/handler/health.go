package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"fractal-gateway/internal/config"
	"fractal-gateway/internal/supervisor"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the gateway's own liveness and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, sup *supervisor.Supervisor, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, sup: sup, version: v}
}

// Health reports the gateway's own liveness, not the worker's: it answers 200
// regardless of worker state, so external supervisors can tell "gateway alive,
// worker maybe not" from "gateway dead".
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"ok":          true,
		"proxy":       true,
		"worker_port": h.cfg.Worker.Port,
	})
}

// Status returns gateway and worker status information.
func (h *HealthHandler) Status(c echo.Context) error {
	status := map[string]any{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Worker.BaseURL(),
	}

	if p := h.sup.Current(); p != nil {
		status["worker_pid"] = p.PID()
		status["worker_running"] = !p.Exited()
	} else {
		status["worker_running"] = false
	}

	return c.JSON(http.StatusOK, status)
}
