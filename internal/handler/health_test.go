package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"fractal-gateway/internal/config"
	"fractal-gateway/internal/supervisor"
)

func TestHealth(t *testing.T) {
	cfg := &config.Config{}
	cfg.Worker.Port = 8002
	sup := supervisor.New(cfg, discardLogger(), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(cfg, sup, "test")
	if err := h.Health(c); err != nil {
		t.Fatalf("Health() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["ok"] != true {
		t.Errorf("body.ok = %v, want true", body["ok"])
	}
	if body["proxy"] != true {
		t.Errorf("body.proxy = %v, want true", body["proxy"])
	}
	if body["worker_port"] != float64(8002) {
		t.Errorf("body.worker_port = %v, want 8002", body["worker_port"])
	}
}

func TestStatus_NoWorkerLaunched(t *testing.T) {
	cfg := &config.Config{}
	cfg.Worker.Port = 8002
	sup := supervisor.New(cfg, discardLogger(), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(cfg, sup, "1.2.3")
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body.status = %v, want %q", body["status"], "ok")
	}
	if body["version"] != "1.2.3" {
		t.Errorf("body.version = %v, want %q", body["version"], "1.2.3")
	}
	if body["upstream_url"] != "http://127.0.0.1:8002" {
		t.Errorf("body.upstream_url = %v, want %q", body["upstream_url"], "http://127.0.0.1:8002")
	}
	if body["worker_running"] != false {
		t.Errorf("body.worker_running = %v, want false before any launch", body["worker_running"])
	}
}
