package middleware

import (
	"net/http"
	"net/textproto"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/net/http/httpguts"
)

// hopByHopHeaders are headers that apply to a single connection and must not
// be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// IsUpgrade reports whether r asks to switch protocols.
func IsUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" &&
		httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade")
}

// StripHopByHop removes hop-by-hop headers from h, including any header
// named in its Connection tokens.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// HopByHop returns an Echo middleware that strips hop-by-hop headers from
// plain requests before they are forwarded. Upgrade requests keep theirs,
// the tunnel needs them for the upstream handshake.
func HopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !IsUpgrade(c.Request()) {
				StripHopByHop(c.Request().Header)
			}
			return next(c)
		}
	}
}
