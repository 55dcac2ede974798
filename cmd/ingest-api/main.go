// Package main is the entry point for the notification ingest API.
//
// It loads configuration, opens the database pool and the queue publisher,
// wires the gateway, batch processor and retry engine, and serves them over
// the core HTTP chassis:
//
//	POST /notifications                     webhook deliveries and validation handshake
//	GET  /notifications/{id}                stored record
//	GET  /subscriptions/{id}/notifications  recent records of a subscription
//	POST /retry                             one retry cycle on demand
//	GET  /stats                             record counts per status
//	GET  /health                            database and queue probes
//	GET  /metrics                           Prometheus registry (prometheus backend only)
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"mailnotify/internal/api/handlers"
	"mailnotify/internal/config"
	"mailnotify/internal/core"
	"mailnotify/internal/db"
	"mailnotify/internal/ingest"
	"mailnotify/internal/metrics"
	"mailnotify/internal/queue"
	"mailnotify/internal/retry"
	"mailnotify/internal/types"
)

// startupTimeout bounds pool creation and the initial queue connect.
const startupTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	typedLogger := &slogAdapter{logger: logger}
	logger.Info("ingest API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	notifRepo := db.NewNotificationRepository(pool, cfg.Ingest.CompressThreshold)
	secretRepo := db.NewSubscriptionSecretRepository(pool)

	awsCfg, err := queue.LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		pool.Close()
		return err
	}
	publisher := queue.NewPublisher(queue.NewSQSClient(awsCfg), cfg.AWS, typedLogger)
	if err := publisher.Connect(ctx); err != nil {
		// Publish reconnects lazily; /health reports the queue until then.
		logger.Warn("queue not reachable at startup", "error", err)
	}

	var (
		promRecorder   *metrics.PrometheusRecorder
		metricsHandler http.Handler
		cwClient       metrics.CloudWatchClient
	)
	switch cfg.Observability.MetricsBackend {
	case metrics.BackendPrometheus:
		promRecorder = metrics.NewPrometheusRecorder()
		metricsHandler = promRecorder.Handler()
	case metrics.BackendCloudWatch:
		cwClient = cloudwatch.NewFromConfig(awsCfg)
	}
	recorder, err := metrics.New(cfg.Observability, metrics.Deps{
		CloudWatch: cwClient,
		Prometheus: promRecorder,
		Logger:     typedLogger,
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating metrics recorder: %w", err)
	}

	clock := types.RealClock{}
	validator := ingest.NewSecretValidator(secretRepo, clock,
		cfg.Ingest.GracePeriod, cfg.Ingest.SecretLookupTimeout, typedLogger)
	gateway := ingest.NewGateway(notifRepo, publisher, validator, clock, typedLogger)
	batch := ingest.NewBatchProcessor(gateway, cfg.Ingest.Concurrency, typedLogger)
	engine := retry.NewEngine(retry.NewRepositoryStore(notifRepo), gateway, retry.Config{
		MaxRetryCount: cfg.Retry.MaxRetryCount,
		RetryWindow:   cfg.Retry.TimeWindow,
	}, clock, typedLogger, recorder)

	srv, err := newServer(cfg, logger, components{
		batch:          batch,
		reader:         notifRepo,
		counter:        notifRepo,
		retry:          engine,
		recorder:       recorder,
		metricsHandler: metricsHandler,
		probes: []core.HealthProbe{
			core.DatabaseProbe{DB: notifRepo},
			core.QueueProbe{Publisher: publisher},
		},
		shutdownHooks: []func(context.Context) error{
			func(context.Context) error { return publisher.Close() },
			func(context.Context) error { pool.Close(); return nil },
		},
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	return runHTTPServer(srv, cfg, logger)
}

// components are the domain services the HTTP server is built from.
type components struct {
	batch          handlers.BatchProcessor
	reader         handlers.NotificationReader
	counter        handlers.StatusCounter
	retry          handlers.RetryRunner
	recorder       metrics.Recorder
	metricsHandler http.Handler
	probes         []core.HealthProbe
	shutdownHooks  []func(context.Context) error
}

// newServer builds the chassis, registers every handler and mounts routes.
func newServer(cfg *config.Config, logger *slog.Logger, c components) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.HealthProbes = c.probes
	srv.MetricsHandler = c.metricsHandler
	srv.ShutdownHooks = c.shutdownHooks

	notifHandler := handlers.NewNotificationHandler(c.batch, c.reader, c.recorder,
		srv.Validator, logger, cfg.Server.MaxBodyBytes)
	retryHandler := handlers.NewRetryHandler(c.retry, cfg.Retry, logger)
	statsHandler := handlers.NewStatsHandler(c.counter)

	srv.RouteRegistrars = append(srv.RouteRegistrars,
		notifHandler.RegisterRoutes,
		retryHandler.RegisterRoutes,
		statsHandler.RegisterRoutes,
	)

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// In-flight deliveries have drained; release the publisher and pool.
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)
