package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailnotify/internal/types"
)

// PrometheusRecorder exposes the same telemetry as CloudWatchRecorder as
// Prometheus collectors on its own registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	notifications *prometheus.CounterVec
	rejected      prometheus.Counter
	retryItems    *prometheus.CounterVec
	retryCycles   prometheus.Counter
	retryDuration prometheus.Histogram
	circuitOpen   prometheus.Counter
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the collectors on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailnotify_notifications_total",
				Help: "Notifications handled by the ingestion gateway",
			},
			[]string{"result"}, // result: forwarded|failed
		),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailnotify_batches_rejected_total",
			Help: "Delivery batches rejected for a security violation",
		}),
		retryItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailnotify_retry_items_total",
				Help: "Records handled by the retry engine",
			},
			[]string{"outcome"}, // outcome: claimed|succeeded|failed|skipped|permanent_failure
		),
		retryCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailnotify_retry_cycles_total",
			Help: "Completed retry cycles",
		}),
		retryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailnotify_retry_cycle_duration_seconds",
			Help:    "Retry cycle duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		circuitOpen: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailnotify_retry_circuit_open_total",
			Help: "Retry cycles stopped by the circuit breaker",
		}),
	}
}

func (p *PrometheusRecorder) RecordIngestBatch(_ context.Context, result types.BatchResult, rejected bool) {
	if rejected {
		p.rejected.Inc()
		return
	}
	p.notifications.WithLabelValues(types.ResultForwarded).Add(float64(result.Succeeded))
	p.notifications.WithLabelValues(types.ResultFailed).Add(float64(result.Failed))
}

func (p *PrometheusRecorder) RecordRetryCycle(_ context.Context, result types.RetryBatchResult) {
	p.retryItems.WithLabelValues("claimed").Add(float64(result.TotalClaimed))
	p.retryItems.WithLabelValues("succeeded").Add(float64(result.SuccessCount))
	p.retryItems.WithLabelValues("failed").Add(float64(result.FailureCount))
	p.retryItems.WithLabelValues("skipped").Add(float64(result.Skipped))
	p.retryItems.WithLabelValues("permanent_failure").Add(float64(result.PermanentFailures))
	p.retryCycles.Inc()
	p.retryDuration.Observe(result.Duration.Seconds())
}

func (p *PrometheusRecorder) RecordCircuitOpen(context.Context) {
	p.circuitOpen.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
