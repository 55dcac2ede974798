// Package main is the entry point for the retry worker.
//
// Each invocation runs one retry cycle: claim eligible Pending/Failed
// notifications, replay them through the gateway and commit. Inside AWS
// Lambda the worker is triggered by an EventBridge schedule; elsewhere it
// runs cycles on RETRY_SCHEDULE with robfig/cron until SIGINT/SIGTERM.
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

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/robfig/cron/v3"

	"mailnotify/internal/config"
	"mailnotify/internal/db"
	"mailnotify/internal/ingest"
	"mailnotify/internal/metrics"
	"mailnotify/internal/queue"
	"mailnotify/internal/retry"
	"mailnotify/internal/types"
)

const (
	startupTimeout = 15 * time.Second

	// cycleTimeout bounds one cron-triggered cycle. Lambda invocations use
	// the function deadline instead.
	cycleTimeout = 4 * time.Minute
)

// RetryRunner runs one retry cycle.
type RetryRunner interface {
	RunRetryCycle(ctx context.Context, maxItems, concurrency int) (types.RetryBatchResult, error)
}

// Worker adapts the retry engine to its triggers.
type Worker struct {
	Engine      RetryRunner
	MaxItems    int
	Concurrency int
	Logger      *slog.Logger
}

// Handle is the Lambda entry point for scheduled events.
func (w *Worker) Handle(ctx context.Context, event events.CloudWatchEvent) (types.RetryBatchResult, error) {
	w.Logger.InfoContext(ctx, "scheduled retry cycle triggered",
		"event_id", event.ID,
		"scheduled_at", event.Time,
	)
	return w.runCycle(ctx)
}

// RunOnce runs a cycle under cycleTimeout. It is the cron job body, so
// errors are logged rather than returned.
func (w *Worker) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()
	_, _ = w.runCycle(ctx)
}

func (w *Worker) runCycle(ctx context.Context) (types.RetryBatchResult, error) {
	result, err := w.Engine.RunRetryCycle(ctx, w.MaxItems, w.Concurrency)
	if err != nil {
		w.Logger.ErrorContext(ctx, "retry cycle failed", "error", err)
		return result, err
	}
	return result, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	typedLogger := &slogAdapter{logger: logger}
	logger.Info("retry worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"batch_size", cfg.Retry.BatchSize,
		"concurrency", cfg.Retry.Concurrency,
	)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	notifRepo := db.NewNotificationRepository(pool, cfg.Ingest.CompressThreshold)
	secretRepo := db.NewSubscriptionSecretRepository(pool)

	awsCfg, err := queue.LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return err
	}
	publisher := queue.NewPublisher(queue.NewSQSClient(awsCfg), cfg.AWS, typedLogger)
	defer publisher.Close()

	var (
		promRecorder *metrics.PrometheusRecorder
		cwClient     metrics.CloudWatchClient
	)
	switch cfg.Observability.MetricsBackend {
	case metrics.BackendPrometheus:
		promRecorder = metrics.NewPrometheusRecorder()
	case metrics.BackendCloudWatch:
		cwClient = cloudwatch.NewFromConfig(awsCfg)
	}
	recorder, err := metrics.New(cfg.Observability, metrics.Deps{
		CloudWatch: cwClient,
		Prometheus: promRecorder,
		Logger:     typedLogger,
	})
	if err != nil {
		return fmt.Errorf("creating metrics recorder: %w", err)
	}

	clock := types.RealClock{}
	// Replayed items carry no clientState, so validation never runs here.
	validator := ingest.NewSecretValidator(secretRepo, clock,
		cfg.Ingest.GracePeriod, cfg.Ingest.SecretLookupTimeout, typedLogger)
	gateway := ingest.NewGateway(notifRepo, publisher, validator, clock, typedLogger)
	engine := retry.NewEngine(retry.NewRepositoryStore(notifRepo), gateway, retry.Config{
		MaxRetryCount: cfg.Retry.MaxRetryCount,
		RetryWindow:   cfg.Retry.TimeWindow,
	}, clock, typedLogger, recorder)

	worker := &Worker{
		Engine:      engine,
		MaxItems:    cfg.Retry.BatchSize,
		Concurrency: cfg.Retry.Concurrency,
		Logger:      logger,
	}

	if isLambdaEnvironment() {
		logger.Info("retry worker initialized (lambda)")
		lambda.Start(worker.Handle)
		return nil
	}

	var metricsHandler http.Handler
	if promRecorder != nil {
		metricsHandler = promRecorder.Handler()
	}
	return runScheduled(worker, cfg, metricsHandler, logger)
}

// runScheduled runs cycles on the configured cron schedule until a shutdown
// signal arrives. Overlapping cycles are skipped. With a metrics handler the
// registry is served on the configured port.
func runScheduled(worker *Worker, cfg *config.Config, metricsHandler http.Handler, logger *slog.Logger) error {
	c, err := newScheduler(cfg.Retry.Schedule, worker, logger)
	if err != nil {
		return err
	}

	var metricsServer *http.Server
	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	c.Start()
	logger.Info("retry worker scheduled", "schedule", cfg.Retry.Schedule)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutdown signal received", "signal", sig.String())

	// Stop returns a context that is done once the running cycle finishes.
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("retry cycle still running at shutdown deadline")
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}

	logger.Info("retry worker stopped")
	return nil
}

// newScheduler builds a cron scheduler with the worker registered on
// schedule. Both five-field expressions and descriptors (@every 5m) are
// accepted.
func newScheduler(schedule string, worker *Worker, logger *slog.Logger) (*cron.Cron, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(schedule, worker.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid retry schedule %q: %w", schedule, err)
	}
	return c, nil
}

// cronLogger routes robfig/cron diagnostics to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
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
