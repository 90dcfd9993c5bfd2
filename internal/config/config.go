// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/fractal-gateway/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='External listen port (overrides config).',env='PORT'"`
	WorkerPort     int    `kong:"help='Internal worker port (overrides config).',env='WORKER_PORT'"`
	WorkerDir      string `kong:"help='Worker working directory (overrides config).',env='WORKER_DIR'"`
	MinimalBoot    bool   `kong:"help='Launch the worker in minimal boot mode.',env='MINIMAL_BOOT',default='true',negatable"`
	FractalEnabled bool   `kong:"help='Enable the fractal feature set in the worker.',env='FRACTAL_ENABLED',default='true',negatable"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Worker   WorkerConfig   `toml:"worker"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the external HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8001); TOML cannot distinguish 0 from unset
	APIPrefix    string          `toml:"api_prefix"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	CORSEnabled  bool            `toml:"cors_enabled"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// WorkerConfig describes the supervised backend worker process.
//
// MinimalBoot and FractalEnabled are deliberately CLI/env-only (MINIMAL_BOOT,
// FRACTAL_ENABLED): they are consumed by the worker, not the gateway, and are
// injected verbatim into its launch environment.
type WorkerConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Dir     string   `toml:"dir"`
	Port    int      `toml:"port"`

	MinimalBoot    bool `toml:"-"`
	FractalEnabled bool `toml:"-"`

	ReadinessTimeoutSeconds int `toml:"readiness_timeout_seconds"`
	ReadinessPollMillis     int `toml:"readiness_poll_millis"`
	ShutdownTimeoutSeconds  int `toml:"shutdown_timeout_seconds"`
}

// UpstreamConfig holds settings for forwarding to the worker over loopback.
type UpstreamConfig struct {
	HealthPath      string `toml:"health_path"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/fractal-gateway/config.toml then configs/config.toml. A missing config
// file is not an error: the gateway runs fine on defaults plus environment.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.WorkerPort != 0 {
		c.Worker.Port = cli.WorkerPort
	}
	if cli.WorkerDir != "" {
		c.Worker.Dir = cli.WorkerDir
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	c.Worker.MinimalBoot = cli.MinimalBoot
	c.Worker.FractalEnabled = cli.FractalEnabled
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Worker.Port < 0 || c.Worker.Port > 65535 {
		return fmt.Errorf("worker.port must be 0–65535; got %d", c.Worker.Port)
	}
	if c.Server.Port != 0 && c.Server.Port == c.Worker.Port {
		return fmt.Errorf("server.port and worker.port must differ; both are %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Worker.ReadinessTimeoutSeconds < 0 {
		return fmt.Errorf("worker.readiness_timeout_seconds must be non-negative; got %d", c.Worker.ReadinessTimeoutSeconds)
	}
	if c.Worker.ReadinessPollMillis < 0 {
		return fmt.Errorf("worker.readiness_poll_millis must be non-negative; got %d", c.Worker.ReadinessPollMillis)
	}
	if c.Worker.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("worker.shutdown_timeout_seconds must be non-negative; got %d", c.Worker.ShutdownTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Path fields.
	if p := c.Server.APIPrefix; p != "" {
		if p[0] != '/' {
			return fmt.Errorf("server.api_prefix must start with '/'; got %q", p)
		}
		if strings.HasSuffix(p, "/") {
			return fmt.Errorf("server.api_prefix must not end with '/'; got %q", p)
		}
	}
	if p := c.Upstream.HealthPath; p != "" && p[0] != '/' {
		return fmt.Errorf("upstream.health_path must start with '/'; got %q", p)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		prefix := c.Server.APIPrefix
		if prefix == "" {
			prefix = "/api"
		}
		for _, reserved := range []string{prefix, "/health", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8001).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8001
	}
	if c.Server.APIPrefix == "" {
		c.Server.APIPrefix = "/api"
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Worker.Command == "" {
		c.Worker.Command = "npx"
	}
	if len(c.Worker.Args) == 0 {
		c.Worker.Args = []string{"tsx", "src/app.fractal.ts"}
	}
	if c.Worker.Dir == "" {
		c.Worker.Dir = "/app/backend"
	}
	if c.Worker.Port == 0 {
		c.Worker.Port = 8002
	}
	if c.Worker.ReadinessTimeoutSeconds == 0 {
		c.Worker.ReadinessTimeoutSeconds = 30
	}
	if c.Worker.ReadinessPollMillis == 0 {
		c.Worker.ReadinessPollMillis = 250
	}
	if c.Worker.ShutdownTimeoutSeconds == 0 {
		c.Worker.ShutdownTimeoutSeconds = 10
	}
	if c.Upstream.HealthPath == "" {
		c.Upstream.HealthPath = "/api/health"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL returns the worker's loopback base URL.
func (c *WorkerConfig) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Port)
}

// ReadinessTimeout returns the maximum total wait for the worker to become ready.
func (c *WorkerConfig) ReadinessTimeout() time.Duration {
	return time.Duration(c.ReadinessTimeoutSeconds) * time.Second
}

// ReadinessPoll returns the interval between readiness probe attempts.
func (c *WorkerConfig) ReadinessPoll() time.Duration {
	return time.Duration(c.ReadinessPollMillis) * time.Millisecond
}

// ShutdownTimeout returns how long Terminate waits before escalating to SIGKILL.
func (c *WorkerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
