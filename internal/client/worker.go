// Package client provides the loopback HTTP client for the worker process.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"fractal-gateway/internal/config"
	"fractal-gateway/internal/metrics"
	"fractal-gateway/internal/model"
)

// WorkerClient sends requests to the worker over loopback.
type WorkerClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewWorkerClient creates a WorkerClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewWorkerClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *WorkerClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &WorkerClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "worker_client"),
		metrics: m,
	}
}

// Do executes a single request against the worker and reads the full response.
// There are no retries: one forwarding attempt per inbound request. The
// provided context controls the lifetime of the upstream call; when it is
// canceled (e.g. the external client disconnects), the call is canceled too.
func (c *WorkerClient) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*model.ProxyResponse, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build worker request: %w", err)
	}
	req.Header = header

	c.logger.Debug("worker request",
		"method", method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	m := metrics.NormalizeMethod(method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(m).Observe(duration)
		}
		return nil, fmt.Errorf("worker request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read worker response: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(m).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(m, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        b,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// WaitReady polls the given URL until it answers with a 2xx status or the
// timeout elapses. It replaces a fixed post-launch sleep with an explicit
// readiness check; a timeout is returned as an error so startup can fail
// loudly instead of serving 503s indefinitely.
func (c *WorkerClient) WaitReady(ctx context.Context, url string, timeout, poll time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	for {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return fmt.Errorf("build readiness probe: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				c.logger.Info("worker ready", "url", url, "attempts", attempts)
				return nil
			}
			c.logger.Debug("readiness probe rejected", "url", url, "status", resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("worker not ready after %s (%d probes of %s): %w", timeout, attempts, url, ctx.Err())
		case <-time.After(poll):
		}
	}
}
