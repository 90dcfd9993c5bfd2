package handler

import (
	"github.com/labstack/echo/v4"

	"fractal-gateway/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Every
// method under the API prefix is forwarded; the health and status endpoints
// are served by the gateway itself.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/health", health.Health)
	e.GET("/proxy/status", health.Status)

	e.Any(cfg.Server.APIPrefix, proxy.Handle)
	e.Any(cfg.Server.APIPrefix+"/*", proxy.Handle)
}
