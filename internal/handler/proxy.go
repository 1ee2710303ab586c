package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"codiner-proxy/internal/inject"
	"codiner-proxy/internal/middleware"
	"codiner-proxy/internal/model"
	"codiner-proxy/internal/service"
)

// ProxyHandler forwards plain HTTP requests to the upstream origin.
type ProxyHandler struct {
	service *service.ProxyService
	engine  *inject.Engine
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, engine *inject.Engine, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		engine:  engine,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and streams the response back, running
// HTML documents through the injection engine first.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	rewrite := inject.ShouldRewrite(req.URL.Path, resp.Header.Get("Content-Type"))
	switch {
	case !rewrite:
	case !bodyAllowed(resp.StatusCode):
		// 1xx, 204 and 304 carry no document to inject into.
	case req.Method == http.MethodHead:
		// The GET body will be rewritten, so the upstream's length and
		// validators do not describe it.
		resp.Header.Del("Content-Length")
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("ETag")
	default:
		if _, err := h.engine.Apply(resp); err != nil {
			h.logger.Error("injection failed",
				"err", err,
				"path", req.URL.Path,
			)
			return c.String(http.StatusInternalServerError, "Injection failed: "+err.Error())
		}
	}
	defer func() { _ = resp.Body.Close() }()

	middleware.StripHopByHop(resp.Header)
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Unknown-length bodies are usually event streams or HMR pings; flush
	// every chunk so they are not held in the server's write buffer.
	var w io.Writer = c.Response()
	if resp.ContentLength < 0 {
		w = &flushWriter{res: c.Response()}
	}

	// The status has already been sent, so a copy failure (client gone,
	// upstream reset) can only truncate the body. Log it for visibility.
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, service.ErrNoUpstream) {
		h.logger.Error("proxy error", "err", err, "path", path)
		return c.String(http.StatusBadRequest, "Bad request: "+err.Error())
	}

	if errors.Is(err, context.Canceled) {
		// Client went away; nobody will read the response.
		h.logger.Debug("client disconnected", "path", path)
		return c.String(http.StatusBadGateway, "Upstream error: "+err.Error())
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		h.logger.Error("upstream timeout", "err", err, "path", path)
		return c.String(http.StatusGatewayTimeout, "Upstream error: "+err.Error())
	}

	h.logger.Error("proxy error", "err", err, "path", path)
	return c.String(http.StatusBadGateway, "Upstream error: "+err.Error())
}

type flushWriter struct {
	res *echo.Response
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.res.Write(p)
	if err == nil {
		f.res.Flush()
	}
	return n, err
}
