package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codiner-proxy/internal/config"
	"codiner-proxy/internal/metrics"
	"codiner-proxy/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// outside the admin prefix reaches Dispatch.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, tunnel *TunnelHandler, static *StaticHandler, health *HealthHandler, m *metrics.Metrics) {
	if cfg.Admin.Enabled {
		p := cfg.Admin.Prefix
		e.GET(p+"/healthz", health.Healthz)
		e.GET(p+"/status", health.Status)
		e.GET(p+"/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", Dispatch(proxy, tunnel, static))
}

// Dispatch routes Upgrade requests to the tunnel, the service-worker path to
// the static handler and everything else to the forwarder.
func Dispatch(proxy *ProxyHandler, tunnel *TunnelHandler, static *StaticHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		switch {
		case middleware.IsUpgrade(req):
			return tunnel.Handle(c)
		case req.Method == http.MethodGet && req.URL.Path == config.ServiceWorkerPath:
			return static.ServiceWorker(c)
		default:
			return proxy.Handle(c)
		}
	}
}
