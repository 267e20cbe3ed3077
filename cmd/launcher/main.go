package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"serverless-launcher/internal/client"
	"serverless-launcher/internal/config"
	"serverless-launcher/internal/handler"
	"serverless-launcher/internal/metrics"
	"serverless-launcher/internal/middleware"
	"serverless-launcher/internal/service"
	"serverless-launcher/internal/supervisor"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Env files feed the env-backed flags, so they load before parsing.
	if err := config.PreloadEnvFiles(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("launcher"),
		kong.Description("Starts a backend once per container and proxies serverless invocations to it."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	opts := []fx.Option{
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			supervisor.MarkerStoreFromConfig,
			newSupervisor,
			func(s *supervisor.Supervisor) service.Backends { return s },
			client.NewBackendClient,
			service.NewLauncherService,
			handler.NewInvokeHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(warnConfigPermissions),
	}

	switch kctx.Command() {
	case "serve":
		opts = append(opts,
			fx.Provide(newEcho),
			fx.Invoke(handler.RegisterRoutes, startServer),
		)
	default:
		opts = append(opts, fx.Invoke(startLambda))
	}

	fx.New(opts...).Run()
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

func newSupervisor(cfg *config.Config, store *supervisor.FileMarkerStore, logger *slog.Logger, m *metrics.Metrics) *supervisor.Supervisor {
	return supervisor.New(supervisor.OptionsFromConfig(cfg), store, supervisor.NewExecSpawner(), logger, m)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// No write timeout: a cold start waits for the backend's database pool.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, "/healthz", cfg.Metrics.Path))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting local invoke server", "addr", addr, "dev", cfg.Launcher.Dev)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// startLambda hands the invoke handler to the Lambda runtime loop. The loop
// never returns; the runtime freezes or kills the whole process.
func startLambda(lc fx.Lifecycle, h *handler.InvokeHandler, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if os.Getenv("AWS_LAMBDA_RUNTIME_API") == "" {
				cancel()
				return errors.New("AWS_LAMBDA_RUNTIME_API is not set; use the serve command outside Lambda")
			}
			logger.Info("starting lambda runtime loop")
			go lambda.StartWithOptions(h.Lambda, lambda.WithContext(ctx))
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
}
