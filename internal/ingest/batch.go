package ingest

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"mailnotify/internal/types"
)

// DefaultBatchConcurrency bounds how many items of one delivery are handled
// at once.
const DefaultBatchConcurrency = 5

// Delivery is one item of an inbound batch together with its raw JSON.
type Delivery struct {
	Item types.NotificationItem
	Raw  string
}

// DecodeCollection splits a webhook envelope into deliveries, keeping each
// item's own JSON as its raw payload.
func DecodeCollection(body []byte) ([]Delivery, error) {
	var envelope struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "request body is not a notification collection", err)
	}

	deliveries := make([]Delivery, 0, len(envelope.Value))
	for i, raw := range envelope.Value {
		var item types.NotificationItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
				"notification item is malformed", err,
				map[string]any{"index": i})
		}
		deliveries = append(deliveries, Delivery{Item: item, Raw: string(raw)})
	}
	return deliveries, nil
}

// BatchProcessor runs the gateway over a delivery batch with bounded
// concurrency.
type BatchProcessor struct {
	gateway     *Gateway
	concurrency int
	logger      types.Logger
}

// NewBatchProcessor creates a BatchProcessor. A non-positive concurrency uses
// DefaultBatchConcurrency.
func NewBatchProcessor(gateway *Gateway, concurrency int, logger types.Logger) *BatchProcessor {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &BatchProcessor{gateway: gateway, concurrency: concurrency, logger: logger}
}

// ProcessBatch handles every delivery. A security violation on any item
// cancels the remaining work and is returned; the counts then cover only the
// items that completed before the cancellation.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, deliveries []Delivery) (types.BatchResult, error) {
	result := types.BatchResult{Total: len(deliveries)}
	if len(deliveries) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, d := range deliveries {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}
			ok, err := p.gateway.Handle(gCtx, d.Item, d.Raw)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if ok {
				result.Succeeded++
			} else {
				result.Failed++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Warn("delivery batch rejected",
			"error", err,
			"total", result.Total,
			"completed", result.Succeeded+result.Failed,
		)
		return result, err
	}

	p.logger.Info("delivery batch processed",
		"total", result.Total,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)
	return result, nil
}
