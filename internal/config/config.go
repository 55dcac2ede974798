// Package config defines the configuration structure for the mailnotify
// services. Configuration is loaded once at process initialization and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File
//
// Any missing required value or invalid format causes startup to fail.
package config

import (
	"time"

	"mailnotify/internal/types"
)

// SecretString is an alias for types.SecretString so secrets in configuration
// are redacted from logs.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"mailnotify"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Ingest        IngestConfig
	Retry         RetryConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP listener settings for the ingest API.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576" validate:"min=1024"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds the queue identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// QueueName is resolved to a URL at connect time and created if absent.
	QueueName       string `envconfig:"QUEUE_NAME" validate:"required"`
	DLQName         string `envconfig:"DLQ_NAME"`
	MaxReceiveCount int    `envconfig:"DLQ_MAX_RECEIVE_COUNT" default:"5" validate:"min=1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// IngestConfig controls secret validation and delivery batch processing.
type IngestConfig struct {
	GracePeriod         time.Duration `envconfig:"EXPIRATION_GRACE_PERIOD" default:"5m"`
	Concurrency         int           `envconfig:"INGEST_CONCURRENCY" default:"5" validate:"min=1,max=50"`
	SecretLookupTimeout time.Duration `envconfig:"SECRET_LOOKUP_TIMEOUT" default:"5s"`

	// Raw payloads at or above this size are stored compressed. Zero disables.
	CompressThreshold int `envconfig:"PAYLOAD_COMPRESS_THRESHOLD" default:"4096" validate:"min=0"`
}

// RetryConfig controls the retry engine.
type RetryConfig struct {
	MaxRetryCount int           `envconfig:"MAX_RETRY_COUNT" default:"10" validate:"min=1"`
	TimeWindow    time.Duration `envconfig:"RETRY_TIME_WINDOW" default:"24h"`
	Concurrency   int           `envconfig:"RETRY_CONCURRENCY" default:"5" validate:"min=1,max=20"`
	BatchSize     int           `envconfig:"RETRY_BATCH_SIZE" default:"50" validate:"min=5,max=100"`

	// Schedule is a robfig/cron expression used when the worker runs as a
	// long-lived process instead of a scheduled Lambda.
	Schedule string `envconfig:"RETRY_SCHEDULE" default:"@every 5m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"cloudwatch" validate:"oneof=cloudwatch prometheus none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"MailNotify"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
