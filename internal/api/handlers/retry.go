package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailnotify/internal/config"
	"mailnotify/internal/core"
	"mailnotify/internal/types"
)

// RetryRunner runs one retry cycle.
type RetryRunner interface {
	RunRetryCycle(ctx context.Context, maxItems, concurrency int) (types.RetryBatchResult, error)
}

// RetryRequest is the optional body of POST /retry. Omitted fields fall back
// to the configured batch size and concurrency; bounds are enforced by the
// engine.
type RetryRequest struct {
	MaxItems    *int `json:"maxItems,omitempty"`
	Concurrency *int `json:"concurrency,omitempty"`
}

// retryResponse adds the cycle duration in milliseconds.
type retryResponse struct {
	types.RetryBatchResult
	DurationMS int64 `json:"durationMs"`
}

// RetryHandler triggers retry cycles on demand.
type RetryHandler struct {
	runner   RetryRunner
	defaults config.RetryConfig
	logger   *slog.Logger
}

// NewRetryHandler creates a RetryHandler.
func NewRetryHandler(runner RetryRunner, defaults config.RetryConfig, l *slog.Logger) *RetryHandler {
	if l == nil {
		l = slog.Default()
	}
	return &RetryHandler{runner: runner, defaults: defaults, logger: l}
}

// RegisterRoutes mounts POST /retry.
func (h *RetryHandler) RegisterRoutes(r chi.Router) {
	r.Post("/retry", h.Run)
}

// Run handles POST /retry.
func (h *RetryHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if err := core.DecodeJSON(w, r, &req, true); err != nil {
		core.Error(w, r, err)
		return
	}

	maxItems, concurrency := h.defaults.BatchSize, h.defaults.Concurrency
	if req.MaxItems != nil {
		maxItems = *req.MaxItems
	}
	if req.Concurrency != nil {
		concurrency = *req.Concurrency
	}

	result, err := h.runner.RunRetryCycle(r.Context(), maxItems, concurrency)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "on-demand retry cycle failed",
			"max_items", maxItems,
			"concurrency", concurrency,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, retryResponse{
		RetryBatchResult: result,
		DurationMS:       result.Duration.Milliseconds(),
	})
}
