package types

// CloudWatch metric names and dimensions.
const (
	// Metric Names
	MetricNotificationsReceived = "NotificationsReceived"
	MetricNotificationsRejected = "NotificationsRejected"
	MetricRetryClaimed          = "RetryClaimed"
	MetricRetrySucceeded        = "RetrySucceeded"
	MetricRetryFailed           = "RetryFailed"
	MetricRetrySkipped          = "RetrySkipped"
	MetricRetryPermanentFailure = "RetryPermanentFailure"
	MetricRetryCycleDuration    = "RetryCycleDuration"
	MetricCircuitOpen           = "RetryCircuitOpen"

	// Dimension Keys
	DimResult = "Result"

	// Dimension values for DimResult
	ResultForwarded = "forwarded"
	ResultFailed    = "failed"
	ResultRejected  = "rejected"

	// Metric Namespace
	MetricNamespace = "MailNotify"
)
