// Package metrics records ingestion and retry telemetry to CloudWatch or
// Prometheus.
package metrics

import (
	"context"
	"fmt"

	"mailnotify/internal/config"
	"mailnotify/internal/types"
)

// Recorder receives per-batch and per-cycle outcomes. Implementations must
// not fail the caller: emission errors are logged and dropped.
type Recorder interface {
	RecordIngestBatch(ctx context.Context, result types.BatchResult, rejected bool)
	RecordRetryCycle(ctx context.Context, result types.RetryBatchResult)
	RecordCircuitOpen(ctx context.Context)
}

// Backends accepted by METRICS_BACKEND.
const (
	BackendCloudWatch = "cloudwatch"
	BackendPrometheus = "prometheus"
	BackendNone       = "none"
)

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordIngestBatch(context.Context, types.BatchResult, bool) {}
func (NopRecorder) RecordRetryCycle(context.Context, types.RetryBatchResult)   {}
func (NopRecorder) RecordCircuitOpen(context.Context)                          {}

var _ Recorder = NopRecorder{}

// Deps carries the backend clients New may need. Only the one matching the
// configured backend has to be set.
type Deps struct {
	CloudWatch CloudWatchClient
	Prometheus *PrometheusRecorder
	Logger     types.Logger
}

// New returns the recorder selected by cfg.MetricsBackend.
func New(cfg config.ObservabilityConfig, deps Deps) (Recorder, error) {
	switch cfg.MetricsBackend {
	case BackendCloudWatch:
		if deps.CloudWatch == nil {
			return nil, fmt.Errorf("metrics backend %q requires a CloudWatch client", cfg.MetricsBackend)
		}
		return NewCloudWatchRecorder(deps.CloudWatch, cfg.MetricNamespace, deps.Logger), nil
	case BackendPrometheus:
		if deps.Prometheus == nil {
			return nil, fmt.Errorf("metrics backend %q requires a Prometheus recorder", cfg.MetricsBackend)
		}
		return deps.Prometheus, nil
	case BackendNone, "":
		return NopRecorder{}, nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.MetricsBackend)
	}
}
