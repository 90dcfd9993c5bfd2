package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"fractal-gateway/internal/model"
	"fractal-gateway/internal/service"
)

// ProxyHandler forwards API requests to the worker process.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request to the worker and copies the response back.
// Failures are always answered with a structured JSON body; they never
// propagate as a bare connection reset or affect other in-flight requests.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	var body []byte
	if service.HasPayload(req.Method) {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			h.logger.Error("reading request body", "err", err, "path", req.URL.Path)
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": "failed to read request body",
			})
		}
		body = b
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	// Copy upstream headers and status, then the body byte-for-byte.
	hdr := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			hdr.Add(key, v)
		}
	}
	if resp.ContentType != "" {
		hdr.Set(echo.HeaderContentType, resp.ContentType)
	}

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		if ue.Unreachable {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"error": "worker backend not ready",
				"url":   ue.URL,
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": ue.Err.Error(),
			"url":   ue.URL,
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": err.Error(),
	})
}
