package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"httpcache-invalidator/internal/config"
	"httpcache-invalidator/internal/handler"
	"httpcache-invalidator/internal/metrics"
	"httpcache-invalidator/internal/middleware"
	"httpcache-invalidator/internal/proxyclient"
	"httpcache-invalidator/internal/service"
	"httpcache-invalidator/internal/transport"
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
		kong.Name("httpcache-invalidator"),
		kong.Description("Queue HTTP cache invalidations and broadcast them to Varnish, Nginx or Symfony HttpCache."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			fx.Annotate(transport.NewHTTPTransport, fx.As(new(transport.Sender))),
			proxyclient.NewFromConfig,
			service.NewInvalidationService,
			handler.NewInvalidationHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, registerMetrics, warnConfigPermissions, startAutoFlush, startServer),
	).Run()
}

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
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. A flush may wait for
	// every proxy server, so the write timeout leaves room for the transport
	// timeout.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.Transport.TimeoutSeconds+30) * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	quietPaths := []string{"/healthz", cfg.Metrics.Path}

	e.Use(middleware.RequestLogger(logger, quietPaths...))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if mw := middleware.RateLimiter(cfg.Server.RateLimit, quietPaths...); mw != nil {
		e.Use(mw)
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// startAutoFlush runs the periodic flush loop when flush.interval_seconds is
// set, and sends whatever is still queued on shutdown.
func startAutoFlush(lc fx.Lifecycle, svc *service.InvalidationService, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			interval := time.Duration(cfg.Flush.IntervalSeconds) * time.Second
			if interval <= 0 {
				close(done)
				return nil
			}
			logger.Info("auto-flush enabled", "interval", interval.String())
			go func() {
				defer close(done)
				svc.RunAutoFlush(ctx, interval)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			// Stops the ticker only; a flush under way is allowed to finish.
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return fmt.Errorf("waiting for auto-flush: %w", stopCtx.Err())
			}
			if n := svc.Pending(); n > 0 {
				logger.Info("flushing pending invalidations before exit", "requests", n)
			}
			if err := svc.Close(stopCtx); err != nil {
				logger.Error("final flush failed", "err", err)
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, svc *service.InvalidationService, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"proxy_kind", svc.Kind().String(),
				"servers", svc.Servers(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
