package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file, with the
// Kong defaults for the worker feature flags applied.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path, MinimalBoot: true, FractalEnabled: true}
}

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server]
host = "127.0.0.1"
port = 9001
api_prefix = "/api"
body_max_bytes = 5242880

[worker]
command = "node"
args = ["dist/app.js"]
dir = "/srv/backend"
port = 9002
readiness_timeout_seconds = 15
shutdown_timeout_seconds = 5

[upstream]
health_path = "/api/health"
timeout_seconds = 30
idle_connections = 50

[log]
level = "debug"
format = "text"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9001)
	}
	if cfg.Worker.Command != "node" {
		t.Errorf("Worker.Command = %q, want %q", cfg.Worker.Command, "node")
	}
	if cfg.Worker.Port != 9002 {
		t.Errorf("Worker.Port = %d, want %d", cfg.Worker.Port, 9002)
	}
	if cfg.Worker.ReadinessTimeout() != 15*time.Second {
		t.Errorf("ReadinessTimeout() = %v, want %v", cfg.Worker.ReadinessTimeout(), 15*time.Second)
	}
	if cfg.Upstream.TimeoutSeconds != 30 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 30)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	// No config file at all: the gateway runs on defaults plus environment.
	cfg, err := Load(cliWithPath(""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8001 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8001)
	}
	if cfg.Server.APIPrefix != "/api" {
		t.Errorf("default Server.APIPrefix = %q, want %q", cfg.Server.APIPrefix, "/api")
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Worker.Command != "npx" {
		t.Errorf("default Worker.Command = %q, want %q", cfg.Worker.Command, "npx")
	}
	if len(cfg.Worker.Args) != 2 || cfg.Worker.Args[0] != "tsx" {
		t.Errorf("default Worker.Args = %v, want [tsx src/app.fractal.ts]", cfg.Worker.Args)
	}
	if cfg.Worker.Port != 8002 {
		t.Errorf("default Worker.Port = %d, want %d", cfg.Worker.Port, 8002)
	}
	if !cfg.Worker.MinimalBoot {
		t.Error("default Worker.MinimalBoot = false, want true")
	}
	if !cfg.Worker.FractalEnabled {
		t.Error("default Worker.FractalEnabled = false, want true")
	}
	if cfg.Upstream.HealthPath != "/api/health" {
		t.Errorf("default Upstream.HealthPath = %q, want %q", cfg.Upstream.HealthPath, "/api/health")
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("default Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit config file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server]
host = "0.0.0.0"
port = 8001

[worker]
port = 8002

[log]
level = "info"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cli := &CLI{
		Config:         path,
		Host:           "127.0.0.1",
		Port:           3000,
		WorkerPort:     3001,
		WorkerDir:      "/tmp/worker",
		MinimalBoot:    false,
		FractalEnabled: true,
		LogLevel:       "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Worker.Port != 3001 {
		t.Errorf("Worker.Port = %d, want %d (CLI override)", cfg.Worker.Port, 3001)
	}
	if cfg.Worker.Dir != "/tmp/worker" {
		t.Errorf("Worker.Dir = %q, want %q (CLI override)", cfg.Worker.Dir, "/tmp/worker")
	}
	if cfg.Worker.MinimalBoot {
		t.Error("Worker.MinimalBoot = true, want false (CLI override)")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[log]
level = "verbose"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_NegativePort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server]
port = -1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative port, got nil")
	}
}

func TestLoad_PortConflict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[server]
port = 9000

[worker]
port = 9000
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error when server and worker ports collide, got nil")
	}
}

func TestLoad_BadAPIPrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
	}{
		{"no leading slash", "api"},
		{"trailing slash", "/api/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.toml")
			data := `
[server]
api_prefix = "` + tt.prefix + `"
`
			if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
				t.Fatal(err)
			}

			if _, err := Load(cliWithPath(path)); err == nil {
				t.Fatalf("Load() expected error for api_prefix %q, got nil", tt.prefix)
			}
		})
	}
}

func TestLoad_MetricsPathConflict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[metrics]
enabled = true
path = "/api/metrics"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics path under the API prefix, got nil")
	}
}

func TestWorkerConfig_BaseURL(t *testing.T) {
	w := &WorkerConfig{Port: 8002}
	if got := w.BaseURL(); got != "http://127.0.0.1:8002" {
		t.Errorf("BaseURL() = %q, want %q", got, "http://127.0.0.1:8002")
	}
}

func TestServerConfig_Addr(t *testing.T) {
	s := &ServerConfig{Host: "0.0.0.0", Port: 8001}
	if got := s.Addr(); got != "0.0.0.0:8001" {
		t.Errorf("Addr() = %q, want %q", got, "0.0.0.0:8001")
	}
}

func TestWarnPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[server]\nport = 9001\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permissions warning for 0644 config, got: %s", buf.String())
	}
}
