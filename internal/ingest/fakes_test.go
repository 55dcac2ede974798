package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailnotify/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type statusUpdate struct {
	ID     string
	Status types.ProcessingStatus
	ErrMsg string
}

// fakeStore keeps records in memory and records every call.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*types.NotificationRecord
	updates   []statusUpdate
	upsertErr error
	updateErr error
	panicOn   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*types.NotificationRecord{}}
}

func (s *fakeStore) Upsert(_ context.Context, rec *types.NotificationRecord) (types.UpsertResult, error) {
	if s.panicOn != "" && rec.NotificationID == s.panicOn {
		panic("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return "", s.upsertErr
	}
	cp := *rec
	_, existed := s.records[rec.NotificationID]
	s.records[rec.NotificationID] = &cp
	if existed {
		return types.UpsertUpdated, nil
	}
	return types.UpsertInserted, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, status types.ProcessingStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, statusUpdate{ID: id, Status: status, ErrMsg: errMsg})
	if s.updateErr != nil {
		return s.updateErr
	}
	rec, ok := s.records[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	rec.ProcessingStatus = status
	if status == types.StatusFailed {
		rec.RetryCount++
	}
	if errMsg != "" {
		rec.ErrorMessage = &errMsg
	} else {
		rec.ErrorMessage = nil
	}
	return nil
}

func (s *fakeStore) get(id string) *types.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakePublisher succeeds unless fail is set, and records what it sent.
type fakePublisher struct {
	mu   sync.Mutex
	fail bool
	sent []types.QueueMessage
}

func (p *fakePublisher) Publish(_ context.Context, msg types.QueueMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return false
	}
	p.sent = append(p.sent, msg)
	return true
}

func (p *fakePublisher) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// fakeSecrets serves secrets from a map. block makes lookups wait for the
// context to end.
type fakeSecrets struct {
	secrets map[string]*types.SubscriptionSecret
	err     error
	block   bool
}

func (f *fakeSecrets) GetSecret(ctx context.Context, subscriptionID string) (*types.SubscriptionSecret, error) {
	if f.block {
		<-ctx.Done()
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription secret", ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.secrets[subscriptionID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return s, nil
}

var errDBDown = errors.New("connection refused")

// capturingLogger keeps warn and error messages for assertions.
type capturingLogger struct {
	mu       sync.Mutex
	warnings []string
	errors   []string
}

func (l *capturingLogger) Info(string, ...any) {}
func (l *capturingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, msg)
}
func (l *capturingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}
func (l *capturingLogger) With(...any) types.Logger { return l }
