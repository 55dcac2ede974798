package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailnotify/internal/core"
	"mailnotify/internal/types"
)

// StatusCounter reads per-status record counts.
type StatusCounter interface {
	CountByStatus(ctx context.Context) ([]types.StatusCount, error)
}

// StatsHandler serves GET /stats.
type StatsHandler struct {
	counter StatusCounter
}

func NewStatsHandler(counter StatusCounter) *StatsHandler {
	return &StatsHandler{counter: counter}
}

func (h *StatsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stats", h.Get)
}

// Get returns the count for every processing status, reporting zero for
// statuses with no rows.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	counts, err := h.counter.CountByStatus(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	byStatus := map[types.ProcessingStatus]int64{
		types.StatusPending:    0,
		types.StatusProcessing: 0,
		types.StatusCompleted:  0,
		types.StatusFailed:     0,
	}
	var total int64
	for _, c := range counts {
		byStatus[c.Status] = c.Count
		total += c.Count
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"total":    total,
		"byStatus": byStatus,
	}})
}
