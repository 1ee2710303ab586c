package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"codiner-proxy/internal/client"
	"codiner-proxy/internal/config"
	"codiner-proxy/internal/handler"
	"codiner-proxy/internal/inject"
	"codiner-proxy/internal/metrics"
	"codiner-proxy/internal/middleware"
	"codiner-proxy/internal/resource"
	"codiner-proxy/internal/service"
	"codiner-proxy/internal/status"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("codiner-proxy"),
		kong.Description("Development proxy that injects preview tooling into an app's HTML."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newReporter,
			newTarget,
			newBundle,
			metrics.New,
			inject.NewEngine,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewTunnelHandler,
			handler.NewStaticHandler,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

// newLogger writes to stderr; stdout belongs to the status reporter.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		h = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(h)
}

func newReporter(lc fx.Lifecycle, logger *slog.Logger) *status.Reporter {
	r := status.NewReporter(os.Stdout, 0)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			r.Close()
			if n := r.Dropped(); n > 0 {
				logger.Warn("status lines dropped", "count", n)
			}
			return nil
		},
	})
	return r
}

func newTarget(cfg *config.Config, r *status.Reporter) (*service.Target, error) {
	t, err := service.NewTargetFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	r.Diagnostic("fixed upstream: %s", t.Origin())
	return t, nil
}

func newBundle(cfg *config.Config, r *status.Reporter, logger *slog.Logger) *resource.Bundle {
	b := resource.Load(cfg.Resources.Dir, r, logger)
	logger.Info("resources loaded", "bundle", b.String())
	return b
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// No Read/WriteTimeout: HMR event streams and tunnels stay open for the
	// whole session.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.HopByHop())

	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Admin.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Admin.Prefix))
		logger.Info("admin endpoints enabled", "prefix", cfg.Admin.Prefix)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, r *status.Reporter, tunnel *handler.TunnelHandler, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}

			port := cfg.Server.Port
			if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
				port = tcp.Port
			}
			url := "http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(port))

			logger.Info("starting server", "addr", ln.Addr().String(), "url", url)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			r.Started(url)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			tunnel.Shutdown()
			return e.Shutdown(ctx)
		},
	})
}
