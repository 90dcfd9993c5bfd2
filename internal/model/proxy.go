// Package model defines shared types for the gateway.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded to the worker.
// RawQuery is carried verbatim so the worker sees the exact query string the
// client sent. Body is nil unless the method carries a payload (POST, PUT,
// PATCH).
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ProxyResponse mirrors the worker's response: status, headers and body are
// copied byte-for-byte, plus the upstream's declared content type.
type ProxyResponse struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
}
