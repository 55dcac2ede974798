package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mailnotify/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ CloudWatchClient = (*cloudwatch.Client)(nil)

// CloudWatchRecorder emits one PutMetricData call per batch or cycle.
//
// Metrics emitted:
//   - NotificationsReceived: Dims {Result} -- forwarded / failed counts per batch
//   - NotificationsRejected: No dims -- batches rejected for a security violation
//   - RetryClaimed, RetrySucceeded, RetryFailed, RetrySkipped, RetryPermanentFailure
//   - RetryCycleDuration: milliseconds
//   - RetryCircuitOpen: No dims
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a recorder publishing to namespace. An empty
// namespace uses types.MetricNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchRecorder) RecordIngestBatch(ctx context.Context, result types.BatchResult, rejected bool) {
	if rejected {
		m.put(ctx, "ingest", count(types.MetricNotificationsRejected, 1))
		return
	}
	m.put(ctx, "ingest",
		withResult(count(types.MetricNotificationsReceived, result.Succeeded), types.ResultForwarded),
		withResult(count(types.MetricNotificationsReceived, result.Failed), types.ResultFailed),
	)
}

func (m *CloudWatchRecorder) RecordRetryCycle(ctx context.Context, result types.RetryBatchResult) {
	m.put(ctx, "retry",
		count(types.MetricRetryClaimed, result.TotalClaimed),
		count(types.MetricRetrySucceeded, result.SuccessCount),
		count(types.MetricRetryFailed, result.FailureCount),
		count(types.MetricRetrySkipped, result.Skipped),
		count(types.MetricRetryPermanentFailure, result.PermanentFailures),
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricRetryCycleDuration),
			Value:      aws.Float64(float64(result.Duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		},
	)
}

func (m *CloudWatchRecorder) RecordCircuitOpen(ctx context.Context) {
	m.put(ctx, "circuit", count(types.MetricCircuitOpen, 1))
}

func (m *CloudWatchRecorder) put(ctx context.Context, kind string, data ...cwtypes.MetricDatum) {
	now := time.Now().UTC()
	for i := range data {
		data[i].Timestamp = aws.Time(now)
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"kind", kind,
		)
	}
}

func count(name string, n int) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(n)),
		Unit:       cwtypes.StandardUnitCount,
	}
}

func withResult(d cwtypes.MetricDatum, result string) cwtypes.MetricDatum {
	d.Dimensions = []cwtypes.Dimension{
		{
			Name:  aws.String(types.DimResult),
			Value: aws.String(result),
		},
	}
	return d
}
