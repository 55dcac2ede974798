package db

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SerialTx lets several goroutines share one transaction. A pgx connection
// runs one statement at a time, so every statement holds the mutex until its
// result has been fully consumed: Exec until it returns, QueryRow until Scan,
// Query until the rows are closed.
type SerialTx struct {
	mu sync.Mutex
	tx pgx.Tx
}

var _ ClaimTx = (*SerialTx)(nil)

// NewSerialTx wraps tx.
func NewSerialTx(tx pgx.Tx) *SerialTx {
	return &SerialTx{tx: tx}
}

func (s *SerialTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx.Exec(ctx, sql, arguments...)
}

func (s *SerialTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.mu.Lock()
	rows, err := s.tx.Query(ctx, sql, args...)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &serialRows{Rows: rows, unlock: s.mu.Unlock}, nil
}

func (s *SerialTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.mu.Lock()
	return &serialRow{row: s.tx.QueryRow(ctx, sql, args...), unlock: s.mu.Unlock}
}

func (s *SerialTx) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx.Commit(ctx)
}

// Rollback is a no-op after a successful Commit.
func (s *SerialTx) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx.Rollback(ctx)
}

type serialRow struct {
	row    pgx.Row
	unlock func()
}

func (r *serialRow) Scan(dest ...any) error {
	defer r.unlock()
	return r.row.Scan(dest...)
}

type serialRows struct {
	pgx.Rows
	once   sync.Once
	unlock func()
}

func (r *serialRows) Close() {
	r.Rows.Close()
	r.once.Do(r.unlock)
}
