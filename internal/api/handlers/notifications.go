// Package handlers contains the HTTP handlers of the ingest API.
//
// This file covers webhook delivery and the notification record reads:
//   - POST /notifications (subscription validation handshake and batches)
//   - GET /notifications/{id}
//   - GET /subscriptions/{id}/notifications
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailnotify/internal/core"
	"mailnotify/internal/ingest"
	"mailnotify/internal/metrics"
	"mailnotify/internal/types"
)

const (
	defaultListLimit = 50

	// validationTokenParam is sent once when a subscription is created; the
	// token must be echoed back as plain text.
	validationTokenParam = "validationToken"
)

// --- Service Interfaces ---

// BatchProcessor handles one decoded delivery batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, deliveries []ingest.Delivery) (types.BatchResult, error)
}

// NotificationReader provides the record reads.
type NotificationReader interface {
	GetByID(ctx context.Context, id string) (*types.NotificationRecord, error)
	GetBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*types.NotificationRecord, error)
}

// listBySubscriptionQuery is validated before the repository is queried.
type listBySubscriptionQuery struct {
	SubscriptionID string `json:"subscriptionId" validate:"required,max=255"`
	Limit          int    `json:"limit" validate:"min=1,max=100"`
}

// NotificationHandler serves webhook deliveries and stored record reads.
type NotificationHandler struct {
	batch        BatchProcessor
	reader       NotificationReader
	recorder     metrics.Recorder
	validator    *core.Validator
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewNotificationHandler creates a NotificationHandler. A nil recorder
// disables metrics.
func NewNotificationHandler(
	batch BatchProcessor,
	reader NotificationReader,
	recorder metrics.Recorder,
	v *core.Validator,
	l *slog.Logger,
	maxBodyBytes int64,
) *NotificationHandler {
	if l == nil {
		l = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &NotificationHandler{
		batch:        batch,
		reader:       reader,
		recorder:     recorder,
		validator:    v,
		logger:       l,
		maxBodyBytes: maxBodyBytes,
	}
}

// RegisterRoutes mounts the notification routes.
func (h *NotificationHandler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications", h.Receive)
	r.Get("/notifications/{id}", h.Get)
	r.Get("/subscriptions/{id}/notifications", h.ListBySubscription)
}

// Receive handles POST /notifications.
//
// A request carrying validationToken is the subscription handshake and is
// answered with the token. Otherwise the body is decoded as a notification
// collection and processed; a security violation on any item rejects the
// delivery with 401, every other outcome is acknowledged with 202 so the
// sender does not redeliver items the retry engine will pick up.
func (h *NotificationHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get(validationTokenParam); token != "" {
		h.logger.InfoContext(r.Context(), "subscription validation handshake")
		core.Text(w, http.StatusOK, token)
		return
	}

	body, err := core.ReadBody(w, r, h.maxBodyBytes)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	deliveries, err := ingest.DecodeCollection(body)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.batch.ProcessBatch(r.Context(), deliveries)
	if err != nil {
		if ingest.IsSecurityViolation(err) {
			h.recorder.RecordIngestBatch(r.Context(), result, true)
		}
		core.Error(w, r, err)
		return
	}

	h.recorder.RecordIngestBatch(r.Context(), result, false)
	core.JSON(w, r, http.StatusAccepted, result)
}

// Get handles GET /notifications/{id}.
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"notification id is required",
			nil,
		))
		return
	}

	rec, err := h.reader.GetByID(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: rec})
}

// ListBySubscription handles GET /subscriptions/{id}/notifications. Records
// are returned newest first.
func (h *NotificationHandler) ListBySubscription(w http.ResponseWriter, r *http.Request) {
	limit, err := core.QueryInt(r, "limit", defaultListLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	q := listBySubscriptionQuery{
		SubscriptionID: chi.URLParam(r, "id"),
		Limit:          limit,
	}
	if err := h.validator.ValidateStruct(q); err != nil {
		core.Error(w, r, err)
		return
	}

	records, err := h.reader.GetBySubscription(r.Context(), q.SubscriptionID, q.Limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if records == nil {
		records = []*types.NotificationRecord{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: records})
}
