// Package retry re-drives Pending and Failed notifications through the
// ingestion gateway.
package retry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"mailnotify/internal/db"
	"mailnotify/internal/ingest"
	"mailnotify/internal/metrics"
	"mailnotify/internal/types"
)

const (
	MinMaxItems    = 1
	MaxMaxItems    = 1000
	MinConcurrency = 1
	MaxConcurrency = 20

	// DefaultFailureThreshold is the number of consecutive replay failures
	// that stops dispatch for the rest of a cycle.
	DefaultFailureThreshold = 10
)

var (
	errReplayFailed = errors.New("replay failed")

	errMsgMissingPayload = types.FailureMessage(types.ErrCodeValidationMissingPayload, "missing raw payload")
)

// Store is the claim-side persistence the engine needs.
type Store interface {
	BeginClaimTx(ctx context.Context) (db.ClaimTx, error)
	ClaimBatch(ctx context.Context, tx db.DBTX, limit, maxRetryCount int, since time.Time) ([]*types.NotificationRecord, error)
	UpdateStatusInTx(ctx context.Context, tx db.DBTX, id string, status types.ProcessingStatus, errMsg string) error
	StoreInTx(tx db.DBTX) ingest.Store
}

// repositoryStore adapts *db.NotificationRepository to Store.
type repositoryStore struct {
	*db.NotificationRepository
}

func (s repositoryStore) StoreInTx(tx db.DBTX) ingest.Store {
	return s.InTx(tx)
}

// NewRepositoryStore wraps the notification repository for the engine.
func NewRepositoryStore(repo *db.NotificationRepository) Store {
	return repositoryStore{repo}
}

// Config holds the engine's claim policy.
type Config struct {
	MaxRetryCount    int
	RetryWindow      time.Duration
	FailureThreshold uint32
}

// Engine runs retry cycles. It is safe to run cycles concurrently, in one
// process or many: the claim lock decides which cycle owns a record.
type Engine struct {
	store   Store
	gateway *ingest.Gateway
	cfg     Config
	clock   types.Clock
	logger  types.Logger
	metrics metrics.Recorder
}

// NewEngine creates an Engine. A zero FailureThreshold uses
// DefaultFailureThreshold.
func NewEngine(store Store, gateway *ingest.Gateway, cfg Config, clock types.Clock, logger types.Logger, recorder metrics.Recorder) *Engine {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Engine{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: recorder,
	}
}

// RunRetryCycle claims up to min(maxItems, 100) eligible records in one
// transaction and replays them with at most concurrency in flight. Claim and
// commit errors are returned; individual replay failures only show in the
// counts.
func (e *Engine) RunRetryCycle(ctx context.Context, maxItems, concurrency int) (types.RetryBatchResult, error) {
	var result types.RetryBatchResult

	if maxItems < MinMaxItems || maxItems > MaxMaxItems {
		return result, types.NewAppErrorWithDetails(types.ErrCodeRangeMaxItems,
			"maxItems out of range", nil,
			map[string]any{"max_items": maxItems, "min": MinMaxItems, "max": MaxMaxItems})
	}
	if concurrency < MinConcurrency || concurrency > MaxConcurrency {
		return result, types.NewAppErrorWithDetails(types.ErrCodeRangeConcurrency,
			"concurrency out of range", nil,
			map[string]any{"concurrency": concurrency, "min": MinConcurrency, "max": MaxConcurrency})
	}

	start := e.clock.Now()

	tx, err := e.store.BeginClaimTx(ctx)
	if err != nil {
		return result, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	since := start.Add(-e.cfg.RetryWindow)
	records, err := e.store.ClaimBatch(ctx, tx, min(maxItems, db.MaxClaimLimit), e.cfg.MaxRetryCount, since)
	if err != nil {
		return result, err
	}
	result.TotalClaimed = len(records)

	if len(records) > 0 {
		e.dispatch(ctx, tx, records, concurrency, &result)
	}

	if err := tx.Commit(ctx); err != nil {
		return result, types.NewAppError(types.ErrCodeInternalDB, "failed to commit retry cycle", err)
	}

	result.Duration = e.clock.Now().Sub(start)
	if result.TotalClaimed > 0 {
		e.logger.Info("retry cycle completed",
			"claimed", result.TotalClaimed,
			"succeeded", result.SuccessCount,
			"failed", result.FailureCount,
			"skipped", result.Skipped,
			"permanent_failures", result.PermanentFailures,
			"duration_ms", result.Duration.Milliseconds(),
		)
	}
	e.metrics.RecordRetryCycle(ctx, result)
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, tx db.ClaimTx, records []*types.NotificationRecord, concurrency int, result *types.RetryBatchResult) {
	slices.SortStableFunc(records, func(a, b *types.NotificationRecord) int {
		return a.ReceivedTimestamp.Compare(b.ReceivedTimestamp)
	})

	gw := e.gateway.WithStore(e.store.StoreInTx(tx))

	var tripped atomic.Bool
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "retry-dispatch",
		MaxRequests: 1,
		// Scoped to one cycle: once open it stays open until the cycle ends.
		Timeout: 24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= e.cfg.FailureThreshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				tripped.Store(true)
			}
		},
	})

	var mu sync.Mutex
	record := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}

	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	for _, rec := range records {
		if breaker.State() == gobreaker.StateOpen || ctx.Err() != nil {
			record(func() { result.Skipped++ })
			continue
		}

		g.Go(func() error {
			if breaker.State() == gobreaker.StateOpen || ctx.Err() != nil {
				record(func() { result.Skipped++ })
				return nil
			}

			if !rec.HasPayload() {
				e.failPermanently(ctx, tx, rec)
				record(func() {
					result.PermanentFailures++
					result.FailureCount++
				})
				return nil
			}

			_, err := breaker.Execute(func() (struct{}, error) {
				if !gw.Replay(ctx, rec) {
					return struct{}{}, errReplayFailed
				}
				return struct{}{}, nil
			})
			switch {
			case err == nil:
				record(func() { result.SuccessCount++ })
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				record(func() { result.Skipped++ })
			default:
				record(func() { result.FailureCount++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	if tripped.Load() {
		e.logger.Warn("retry dispatch halted by circuit breaker",
			"threshold", e.cfg.FailureThreshold,
			"skipped", result.Skipped,
		)
		e.metrics.RecordCircuitOpen(ctx)
	}
}

// failPermanently marks a record without a payload as Failed. ClaimBatch
// never selects such a row again.
func (e *Engine) failPermanently(ctx context.Context, tx db.DBTX, rec *types.NotificationRecord) {
	e.logger.Warn("notification has no raw payload; marking permanently failed",
		"notification_id", rec.NotificationID,
	)
	if err := e.store.UpdateStatusInTx(ctx, tx, rec.NotificationID, types.StatusFailed, errMsgMissingPayload); err != nil {
		e.logger.Error("failed to mark notification permanently failed",
			"notification_id", rec.NotificationID,
			"error", err,
		)
	}
}
