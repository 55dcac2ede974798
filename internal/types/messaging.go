package types

import "time"

// QueueMessage is the payload forwarded to the downstream work queue for each
// accepted notification. It is derived from a NotificationRecord and never
// persisted. JSON tags use camelCase to match the downstream consumer.
type QueueMessage struct {
	NotificationID    string     `json:"notificationId"`
	OwnerID           string     `json:"userId"`
	ResourceMessageID string     `json:"messageId"`
	ChangeType        ChangeType `json:"changeType"`
	SubscriptionID    string     `json:"subscriptionId"`
	QueuedAt          time.Time  `json:"queuedAt"`
}

// Message attribute names carried alongside every queue message so consumers
// can route without decoding the body.
const (
	HeaderNotificationID = "x-notification-id"
	HeaderUserID         = "x-user-id"
	HeaderMessageID      = "x-message-id"
	HeaderChangeType     = "x-change-type"
	HeaderPersistent     = "x-persistent"
)
