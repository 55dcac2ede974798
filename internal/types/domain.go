package types

import (
	"time"
)

// NotificationRecord is the durable row for one change notification and its
// processing state.
type NotificationRecord struct {
	NotificationID        string           `json:"notification_id" db:"notification_id"`
	SubscriptionID        string           `json:"subscription_id" db:"subscription_id"`
	ChangeType            ChangeType       `json:"change_type" db:"change_type"`
	ResourceURI           string           `json:"resource_uri" db:"resource_uri"`
	ResourceID            string           `json:"resource_id" db:"resource_id"`
	NotificationTimestamp time.Time        `json:"notification_timestamp" db:"notification_timestamp"`
	ReceivedTimestamp     time.Time        `json:"received_timestamp" db:"received_timestamp"`
	RawPayload            string           `json:"-" db:"raw_payload"`
	ProcessingStatus      ProcessingStatus `json:"processing_status" db:"processing_status"`
	ErrorMessage          *string          `json:"error_message,omitempty" db:"error_message"`
	RetryCount            int              `json:"retry_count" db:"retry_count"`
}

// HasPayload reports whether the record carries a raw payload to replay. A
// Failed record without one is never claimed again, so this must agree with
// the claim query's raw_payload = '' exclusion.
func (r *NotificationRecord) HasPayload() bool {
	return r.RawPayload != ""
}

// SubscriptionSecret is owned by the subscription manager; this service only
// reads it to authenticate deliveries.
type SubscriptionSecret struct {
	SubscriptionID string       `db:"subscription_id"`
	ExpirationTime time.Time    `db:"expiration_time"`
	ClientSecret   SecretString `db:"client_secret"`
}

// ResourceData carries the identity of the changed resource.
type ResourceData struct {
	ODataType string `json:"@odata.type,omitempty"`
	ODataID   string `json:"@odata.id,omitempty"`
	ODataEtag string `json:"@odata.etag,omitempty"`
	ID        string `json:"id,omitempty"`
}

// NotificationItem is one normalized inbound change notification.
//
// ClientState is the subscription secret echoed by the sender. It is empty on
// items reconstructed from storage for replay.
type NotificationItem struct {
	ID                             string        `json:"id,omitempty"`
	SubscriptionID                 string        `json:"subscriptionId" validate:"required"`
	SubscriptionExpirationDateTime *time.Time    `json:"subscriptionExpirationDateTime,omitempty"`
	ClientState                    SecretString  `json:"clientState,omitempty"`
	ChangeType                     ChangeType    `json:"changeType" validate:"required"`
	Resource                       string        `json:"resource" validate:"required"`
	ResourceData                   *ResourceData `json:"resourceData,omitempty"`
	TenantID                       string        `json:"tenantId,omitempty"`
	EventTime                      *time.Time    `json:"eventTime,omitempty"`
}

// RetryBatchResult aggregates the outcome of one retry cycle.
type RetryBatchResult struct {
	TotalClaimed      int           `json:"totalClaimed"`
	SuccessCount      int           `json:"successCount"`
	FailureCount      int           `json:"failureCount"`
	Skipped           int           `json:"skipped"`
	PermanentFailures int           `json:"permanentFailures"`
	Duration          time.Duration `json:"-"`
}

// BatchResult aggregates the outcome of one delivery batch.
type BatchResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// StatusCount is one row of the per-status statistics read.
type StatusCount struct {
	Status ProcessingStatus `json:"status"`
	Count  int64            `json:"count"`
}
