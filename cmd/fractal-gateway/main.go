package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"fractal-gateway/internal/client"
	"fractal-gateway/internal/config"
	"fractal-gateway/internal/handler"
	"fractal-gateway/internal/metrics"
	"fractal-gateway/internal/middleware"
	"fractal-gateway/internal/service"
	"fractal-gateway/internal/supervisor"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("fractal-gateway"),
		kong.Description("Supervising reverse proxy for the fractal backend worker."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		// Worker readiness can legitimately take tens of seconds on a cold
		// start; give the lifecycle more headroom than the fx default.
		fx.StartTimeout(2*time.Minute),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			supervisor.New,
			client.NewWorkerClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerMetricsRoute, warnConfigPermissions, runGateway),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0): the upstream client timeout already bounds
	// how long a forwarded request can take, and cutting off a response that
	// is being copied back would corrupt it for the client.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.HopByHop())

	if cfg.Server.CORSEnabled {
		e.Use(echomw.CORS())
	}

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerMetricsRoute(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// runGateway ties the worker lifecycle to the server lifecycle: the worker is
// launched and probed for readiness before the external listener opens, and
// terminated after the listener has drained. A launch or readiness failure
// aborts startup, which exits the process non-zero.
func runGateway(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger, sup *supervisor.Supervisor, wc *client.WorkerClient) {
	var proc *supervisor.Process

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p, err := sup.Launch(ctx)
			if err != nil {
				return fmt.Errorf("launch worker: %w", err)
			}
			proc = p

			readyURL := cfg.Worker.BaseURL() + cfg.Upstream.HealthPath
			if err := wc.WaitReady(ctx, readyURL, cfg.Worker.ReadinessTimeout(), cfg.Worker.ReadinessPoll()); err != nil {
				_ = sup.Terminate(ctx, p)
				return fmt.Errorf("worker readiness: %w", err)
			}

			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				_ = sup.Terminate(ctx, p)
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "worker_pid", p.PID())
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			if err := e.Shutdown(ctx); err != nil {
				logger.Error("server shutdown", "err", err)
			}
			// The gateway exits only after the worker's termination has
			// completed; no orphaned worker survives a clean shutdown.
			return sup.Terminate(ctx, proc)
		},
	})
}
