// Package ingest authenticates inbound change notifications, records them and
// forwards them to the work queue.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mailnotify/internal/types"
)

// Messages recorded on Failed rows.
var (
	errMsgPublishFailed  = types.FailureMessage(types.ErrCodeUpstreamQueue, "queue publish failed")
	errMsgMissingPayload = types.FailureMessage(types.ErrCodeValidationMissingPayload, "missing raw payload")
	errMsgCorruptPayload = types.FailureMessage(types.ErrCodeValidationInvalidPayload, "raw payload could not be decoded")
)

// notificationNamespace scopes generated notification ids.
var notificationNamespace = uuid.MustParse("6f1c3a52-8d0e-4b7a-9c55-2e9d7f4b1a03")

// Store is the notification write path used by the gateway. It is satisfied
// by the pooled repository and by a transaction-bound store.
type Store interface {
	Upsert(ctx context.Context, rec *types.NotificationRecord) (types.UpsertResult, error)
	UpdateStatus(ctx context.Context, id string, status types.ProcessingStatus, errMsg string) error
}

// Publisher forwards queue messages. Publish reports success as a bool and
// never returns an error.
type Publisher interface {
	Publish(ctx context.Context, msg types.QueueMessage) bool
}

// Gateway handles single notifications: validate, persist, publish.
type Gateway struct {
	store     Store
	publisher Publisher
	validator *SecretValidator
	clock     types.Clock
	logger    types.Logger
}

// NewGateway creates a Gateway.
func NewGateway(store Store, publisher Publisher, validator *SecretValidator, clock types.Clock, logger types.Logger) *Gateway {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Gateway{
		store:     store,
		publisher: publisher,
		validator: validator,
		clock:     clock,
		logger:    logger,
	}
}

// WithStore returns a copy of the gateway that writes through store. The
// retry engine uses it to keep replay writes inside its claim transaction.
func (g *Gateway) WithStore(store Store) *Gateway {
	cp := *g
	cp.store = store
	return &cp
}

// Handle processes one delivered notification. rawPayload is the item's JSON
// as received; the client state is stripped from it before it is stored.
//
// A false result means the notification was not forwarded and has been left
// for the retry engine. The only error is *SecurityViolationError.
func (g *Gateway) Handle(ctx context.Context, item types.NotificationItem, rawPayload string) (bool, error) {
	if !item.ClientState.IsEmpty() && g.validator != nil {
		outcome := g.validator.Validate(ctx, item.SubscriptionID, item.ClientState)
		if !outcome.Valid {
			return false, &SecurityViolationError{SubscriptionID: item.SubscriptionID, Reason: outcome.Reason}
		}
	}

	if item.ID == "" {
		item.ID = NotificationID(item)
	}

	rec := g.newRecord(item, redactClientState(rawPayload))
	return g.process(ctx, rec), nil
}

// Replay re-runs persist and publish for a stored record without secret
// validation. The record keeps its id, received timestamp and retry count so
// the retry window and attempt accounting are not reset.
func (g *Gateway) Replay(ctx context.Context, stored *types.NotificationRecord) bool {
	log := g.logger.With("notification_id", stored.NotificationID)

	if !stored.HasPayload() {
		g.markFailed(ctx, stored.NotificationID, errMsgMissingPayload)
		return false
	}

	var item types.NotificationItem
	if err := json.Unmarshal([]byte(stored.RawPayload), &item); err != nil {
		log.Warn("stored payload is not valid JSON", "error", err)
		g.markFailed(ctx, stored.NotificationID, errMsgCorruptPayload)
		return false
	}
	item.ID = stored.NotificationID
	item.ClientState = ""
	if item.SubscriptionID == "" {
		item.SubscriptionID = stored.SubscriptionID
	}
	if item.ChangeType == "" {
		item.ChangeType = stored.ChangeType
	}
	if item.Resource == "" {
		item.Resource = stored.ResourceURI
	}

	rec := g.newRecord(item, stored.RawPayload)
	rec.ReceivedTimestamp = stored.ReceivedTimestamp
	rec.RetryCount = stored.RetryCount
	if !stored.NotificationTimestamp.IsZero() {
		rec.NotificationTimestamp = stored.NotificationTimestamp
	}
	return g.process(ctx, rec)
}

func (g *Gateway) newRecord(item types.NotificationItem, rawPayload string) *types.NotificationRecord {
	now := g.clock.Now()

	_, messageID := ParseResourcePath(item.Resource)
	resourceID := messageID
	if item.ResourceData != nil && item.ResourceData.ID != "" {
		resourceID = item.ResourceData.ID
	}

	notifiedAt := now
	if item.EventTime != nil && !item.EventTime.IsZero() {
		notifiedAt = item.EventTime.UTC()
	}

	return &types.NotificationRecord{
		NotificationID:        item.ID,
		SubscriptionID:        item.SubscriptionID,
		ChangeType:            item.ChangeType,
		ResourceURI:           item.Resource,
		ResourceID:            resourceID,
		NotificationTimestamp: notifiedAt,
		ReceivedTimestamp:     now,
		RawPayload:            rawPayload,
		ProcessingStatus:      types.StatusPending,
	}
}

// process persists rec as Pending and publishes it. Any unexpected failure,
// panics included, is logged, best-effort recorded as Failed and reported as
// false.
func (g *Gateway) process(ctx context.Context, rec *types.NotificationRecord) (ok bool) {
	log := g.logger.With(
		"notification_id", rec.NotificationID,
		"subscription_id", rec.SubscriptionID,
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing notification", "panic", r)
			g.markFailed(ctx, rec.NotificationID, fmt.Sprintf("unexpected error: %v", r))
			ok = false
		}
	}()

	result, err := g.store.Upsert(ctx, rec)
	if err != nil {
		log.Error("failed to persist notification", "error", err)
		g.markFailed(ctx, rec.NotificationID, err.Error())
		return false
	}

	ownerID, messageID := ParseResourcePath(rec.ResourceURI)
	msg := types.QueueMessage{
		NotificationID:    rec.NotificationID,
		OwnerID:           ownerID,
		ResourceMessageID: messageID,
		ChangeType:        rec.ChangeType,
		SubscriptionID:    rec.SubscriptionID,
		QueuedAt:          g.clock.Now(),
	}
	if !g.publisher.Publish(ctx, msg) {
		log.Warn("notification not forwarded", "upsert", string(result))
		if err := g.store.UpdateStatus(ctx, rec.NotificationID, types.StatusFailed, errMsgPublishFailed); err != nil {
			log.Error("failed to record publish failure", "error", err)
		}
		return false
	}

	if err := g.store.UpdateStatus(ctx, rec.NotificationID, types.StatusCompleted, ""); err != nil {
		// Published but still Pending: the retry engine will forward it again.
		log.Error("failed to mark notification completed", "error", err)
		return false
	}

	log.Info("notification forwarded", "upsert", string(result), "change_type", string(rec.ChangeType))
	return true
}

// markFailed records a Failed status, ignoring errors. The row may not exist
// when the failure happened before it was written.
func (g *Gateway) markFailed(ctx context.Context, id, reason string) {
	if id == "" {
		return
	}
	if err := g.store.UpdateStatus(ctx, id, types.StatusFailed, reason); err != nil {
		g.logger.Warn("could not record notification failure",
			"notification_id", id,
			"error", err,
		)
	}
}

// NotificationID derives a stable id for an item that arrived without one, so
// redeliveries of the same change map to the same row.
func NotificationID(item types.NotificationItem) string {
	var b strings.Builder
	b.WriteString(item.SubscriptionID)
	b.WriteByte('|')
	b.WriteString(string(item.ChangeType))
	b.WriteByte('|')
	b.WriteString(item.Resource)
	if item.ResourceData != nil {
		b.WriteByte('|')
		b.WriteString(item.ResourceData.ODataEtag)
	}
	if item.EventTime != nil {
		b.WriteByte('|')
		b.WriteString(item.EventTime.UTC().Format("2006-01-02T15:04:05.999999999Z"))
	}
	return uuid.NewSHA1(notificationNamespace, []byte(b.String())).String()
}

// redactClientState removes the clientState member from a JSON object so the
// subscription secret is never stored. Payloads that are not JSON objects are
// returned unchanged.
func redactClientState(raw string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return raw
	}
	if _, ok := fields["clientState"]; !ok {
		return raw
	}
	delete(fields, "clientState")
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return string(out)
}
