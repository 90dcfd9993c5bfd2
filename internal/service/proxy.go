// Package service implements the core request-forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"fractal-gateway/internal/client"
	"fractal-gateway/internal/config"
	"fractal-gateway/internal/model"
)

// payloadMethods are the methods that carry a request body to the worker.
var payloadMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// HasPayload reports whether requests with the given method carry a body.
func HasPayload(method string) bool {
	return payloadMethods[method]
}

// UpstreamError describes a failed forwarding attempt. It carries the
// attempted worker URL so error responses can name the unreachable upstream.
type UpstreamError struct {
	URL         string
	Err         error
	Unreachable bool // connection could not be established (worker not listening)
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ProxyService forwards gateway requests to the worker on loopback.
type ProxyService struct {
	client  *client.WorkerClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService targeting the configured worker port.
func NewProxyService(c *client.WorkerClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Worker.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse worker base URL: %w", err)
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward sends a ProxyRequest to the worker and returns its response. A
// single attempt is made; any failure is returned as an *UpstreamError with
// Unreachable set when the worker was not accepting connections.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawQuery)
	header := forwardHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.Do(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	if err != nil {
		return nil, &UpstreamError{
			URL:         upstreamURL,
			Err:         err,
			Unreachable: isUnreachable(err),
		}
	}

	resp.Header = dropHopByHop(resp.Header)
	return resp, nil
}

// buildUpstreamURL rebuilds the request URL against the worker's loopback
// base, preserving the path and the query string verbatim.
func (s *ProxyService) buildUpstreamURL(path, rawQuery string) string {
	u := *s.baseURL
	u.Path = path
	u.RawQuery = rawQuery
	return u.String()
}

// hopByHopHeaders must not survive a proxy hop (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardHeaders clones the inbound headers for the upstream request. Host is
// dropped: it names the gateway, and forwarding it verbatim would corrupt
// virtual-host routing on the worker side. All other end-to-end headers pass
// through unchanged.
func forwardHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
	dst.Del("Host")
	return dst
}

// dropHopByHop removes hop-by-hop headers from the worker's response headers
// before they are copied to the external client.
func dropHopByHop(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = vals
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}

// isUnreachable reports whether err means the worker was not accepting
// connections (not yet listening, or crashed), as opposed to failing
// mid-request.
func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
