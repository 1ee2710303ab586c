package middleware

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"codiner-proxy/internal/config"
	"codiner-proxy/internal/inject"
	"codiner-proxy/internal/metrics"
)

// Route labels (bounded cardinality).
const (
	RouteServiceWorker = "service_worker"
	RouteAdmin         = "admin"
	RouteUpgrade       = "upgrade"
	RouteDocument      = "document"
	RouteAsset         = "asset"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests under adminPrefix are labelled as admin.
func MetricsMiddleware(m *metrics.Metrics, adminPrefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// Resolve the actual status code. When a handler returns an
			// *echo.HTTPError, the response status hasn't been written yet;
			// Echo's central error handler will do that later.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			req := c.Request()
			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(req.Method)
			route := RouteLabel(req.URL.Path, adminPrefix, IsUpgrade(req))
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, route).Inc()
			m.RequestDuration.WithLabelValues(method, status, route).Observe(duration)

			return err
		}
	}
}

// RouteLabel classifies a request path for metrics.
func RouteLabel(path, adminPrefix string, upgrade bool) string {
	switch {
	case upgrade:
		return RouteUpgrade
	case path == config.ServiceWorkerPath:
		return RouteServiceWorker
	case adminPrefix != "" && (path == adminPrefix || strings.HasPrefix(path, adminPrefix+"/")):
		return RouteAdmin
	case inject.NeedsInjection(path):
		return RouteDocument
	default:
		return RouteAsset
	}
}
