package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that must not survive a proxy hop.
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

// HopByHop returns an Echo middleware that strips hop-by-hop headers from
// inbound requests before they reach the forwarding handler. Responses are
// left untouched: the gateway copies worker responses verbatim, and the
// service layer already filters hop-by-hop response headers.
func HopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}
			return next(c)
		}
	}
}
