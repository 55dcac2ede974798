package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailnotify/internal/types"
)

var testReceived = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecord() *types.NotificationRecord {
	return &types.NotificationRecord{
		NotificationID:    "n-1",
		SubscriptionID:    "sub-1",
		ChangeType:        types.ChangeCreated,
		ResourceURI:       "Users/owner-1/Messages/msg-1",
		ResourceID:        "msg-1",
		ReceivedTimestamp: testReceived,
		RawPayload:        `{"subscriptionId":"sub-1"}`,
		ProcessingStatus:  types.StatusPending,
	}
}

func notificationRow(id string, received time.Time, raw string, status types.ProcessingStatus, retry int) []any {
	return []any{
		id, "sub-1", "created", "Users/owner-1/Messages/" + id, id,
		(*time.Time)(nil), received, raw, string(status), (*string)(nil), retry,
	}
}

func boolRow(v bool) *mockRow {
	return &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = v
		return nil
	}}
}

func assertAppCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr), "expected *types.AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code)
}

// --- Upsert ---

func TestNotificationRepository_Upsert_Results(t *testing.T) {
	tests := []struct {
		name string
		row  *mockRow
		want types.UpsertResult
	}{
		{"fresh row is inserted", boolRow(true), types.UpsertInserted},
		{"changed row is updated", boolRow(false), types.UpsertUpdated},
		{"unchanged row is a duplicate", &mockRow{scanErr: pgx.ErrNoRows}, types.UpsertDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewNotificationRepository(db, 0)

			db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(tt.row)

			got, err := repo.Upsert(context.Background(), newTestRecord())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			db.AssertExpectations(t)
		})
	}
}

func TestNotificationRepository_Upsert_OnlyMutableColumnsOverwritten(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNotificationRepository(db, 0)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			assert.Contains(t, sql, "ON CONFLICT (notification_id) DO UPDATE SET")
			for _, col := range []string{"processing_status", "error_message", "retry_count", "received_timestamp"} {
				assert.Contains(t, sql, col+" = EXCLUDED."+col)
			}
			for _, col := range []string{"raw_payload", "resource_uri", "resource_id", "subscription_id", "change_type"} {
				assert.NotContains(t, sql, col+" = EXCLUDED."+col)
			}
		}).
		Return(boolRow(true))

	_, err := repo.Upsert(context.Background(), newTestRecord())
	require.NoError(t, err)
}

func TestNotificationRepository_Upsert_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *types.NotificationRecord)
		code   types.ErrorCode
	}{
		{"missing notification id", func(r *types.NotificationRecord) { r.NotificationID = "" }, types.ErrCodeValidationMissingField},
		{"missing subscription id", func(r *types.NotificationRecord) { r.SubscriptionID = "" }, types.ErrCodeValidationMissingField},
		{"unset received timestamp", func(r *types.NotificationRecord) { r.ReceivedTimestamp = time.Time{} }, types.ErrCodeValidationMissingField},
		{"unknown status", func(r *types.NotificationRecord) { r.ProcessingStatus = "Queued" }, types.ErrCodeValidationInvalidStatus},
		{"empty status", func(r *types.NotificationRecord) { r.ProcessingStatus = "" }, types.ErrCodeValidationInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewNotificationRepository(db, 0)

			rec := newTestRecord()
			tt.mutate(rec)

			_, err := repo.Upsert(context.Background(), rec)
			assertAppCode(t, err, tt.code)
			db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestNotificationRepository_Upsert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNotificationRepository(db, 0)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := repo.Upsert(context.Background(), newTestRecord())
	assertAppCode(t, err, types.ErrCodeInternalDB)
}

func TestNotificationRepository_Upsert_CompressesLargePayload(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNotificationRepository(db, 64)

	rec := newTestRecord()
	rec.RawPayload = strings.Repeat(`{"resource":"Users/owner-1/Messages/msg-1"}`, 20)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			stored := args.Get(2).([]any)[7].(string)
			assert.True(t, strings.HasPrefix(stored, compressedPrefix), "payload should be stored compressed")

			decoded, err := decodePayload(stored)
			require.NoError(t, err)
			assert.Equal(t, rec.RawPayload, decoded)
		}).
		Return(boolRow(true))

	_, err := repo.Upsert(context.Background(), rec)
	require.NoError(t, err)
}

// --- ClaimBatch ---

func TestNotificationRepository_ClaimBatch_LimitRange(t *testing.T) {
	for _, limit := range []int{-1, 0, 101, 1000} {
		tx := new(mockDBTX)
		repo := NewNotificationRepository(new(mockDBTX), 0)

		_, err := repo.ClaimBatch(context.Background(), tx, limit, 10, testReceived)
		assertAppCode(t, err, types.ErrCodeRangeLimit)
		tx.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestNotificationRepository_ClaimBatch_SkipLockedOldestFirst(t *testing.T) {
	pool := new(mockDBTX)
	tx := new(mockDBTX)
	repo := NewNotificationRepository(pool, 0)

	since := testReceived.Add(-24 * time.Hour)
	rows := newMockRows([][]any{
		notificationRow("n-1", testReceived, `{"a":1}`, types.StatusPending, 0),
		notificationRow("n-2", testReceived.Add(time.Minute), `{"a":2}`, types.StatusFailed, 3),
	})

	tx.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{10, since, 2}).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
			assert.Contains(t, sql, "ORDER BY received_timestamp ASC")
			assert.Contains(t, sql, "processing_status IN ('Pending', 'Failed')")
			assert.Contains(t, sql, "retry_count < $1")
		}).
		Return(rows, nil)

	got, err := repo.ClaimBatch(context.Background(), tx, 2, 10, since)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "n-1", got[0].NotificationID)
	assert.Equal(t, types.StatusPending, got[0].ProcessingStatus)
	assert.Equal(t, `{"a":1}`, got[0].RawPayload)
	assert.Equal(t, "n-2", got[1].NotificationID)
	assert.Equal(t, 3, got[1].RetryCount)
	assert.True(t, rows.closed, "rows must be closed")

	tx.AssertExpectations(t)
	pool.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotificationRepository_ClaimBatch_DecodesCompressedPayload(t *testing.T) {
	raw := strings.Repeat("x", 512)
	stored := encodePayload(raw, 16)
	require.True(t, strings.HasPrefix(stored, compressedPrefix))

	tx := new(mockDBTX)
	repo := NewNotificationRepository(new(mockDBTX), 16)
	tx.On("Query", mock.Anything, mock.Anything, mock.Anything).
		Return(newMockRows([][]any{notificationRow("n-1", testReceived, stored, types.StatusFailed, 1)}), nil)

	got, err := repo.ClaimBatch(context.Background(), tx, 10, 10, testReceived)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, raw, got[0].RawPayload)
}

func TestNotificationRepository_ClaimBatch_QueryError(t *testing.T) {
	tx := new(mockDBTX)
	repo := NewNotificationRepository(new(mockDBTX), 0)
	tx.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("deadlock"))

	_, err := repo.ClaimBatch(context.Background(), tx, 10, 10, testReceived)
	assertAppCode(t, err, types.ErrCodeInternalDB)
}

// --- UpdateStatus ---

func TestNotificationRepository_UpdateStatus_CommitsOwnTransaction(t *testing.T) {
	pool := new(mockDBTX)
	tx := new(mockTx)
	repo := NewNotificationRepository(pool, 0)

	pool.On("Begin", mock.Anything).Return(tx, nil)
	tx.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"n-1", "Failed", stringPtr("queue publish failed")}).
		Run(func(args mock.Arguments) {
			sql := args.Get(1).(string)
			assert.Contains(t, sql, "CASE WHEN $2 = 'Failed' THEN retry_count + 1 ELSE retry_count END")
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	tx.On("Commit", mock.Anything).Return(nil)
	tx.On("Rollback", mock.Anything).Return(nil)

	err := repo.UpdateStatus(context.Background(), "n-1", types.StatusFailed, "queue publish failed")
	require.NoError(t, err)
	pool.AssertExpectations(t)
	tx.AssertExpectations(t)
}

func TestNotificationRepository_UpdateStatus_NotFoundRollsBack(t *testing.T) {
	pool := new(mockDBTX)
	tx := new(mockTx)
	repo := NewNotificationRepository(pool, 0)

	pool.On("Begin", mock.Anything).Return(tx, nil)
	tx.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)
	tx.On("Rollback", mock.Anything).Return(nil)

	err := repo.UpdateStatus(context.Background(), "missing", types.StatusCompleted, "")
	assertAppCode(t, err, types.ErrCodeNotFoundNotification)
	tx.AssertNotCalled(t, "Commit", mock.Anything)
	tx.AssertCalled(t, "Rollback", mock.Anything)
}

func TestNotificationRepository_UpdateStatus_BeginError(t *testing.T) {
	pool := new(mockDBTX)
	repo := NewNotificationRepository(pool, 0)
	pool.On("Begin", mock.Anything).Return(nil, errors.New("pool closed"))

	err := repo.UpdateStatus(context.Background(), "n-1", types.StatusCompleted, "")
	assertAppCode(t, err, types.ErrCodeInternalDB)
}

func TestNotificationRepository_UpdateStatusInTx_ClearsErrorOnCompleted(t *testing.T) {
	tx := new(mockDBTX)
	repo := NewNotificationRepository(new(mockDBTX), 0)

	tx.On("Exec", mock.Anything, mock.Anything, []any{"n-1", "Completed", (*string)(nil)}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.UpdateStatusInTx(context.Background(), tx, "n-1", types.StatusCompleted, ""))
	tx.AssertExpectations(t)
}

func TestNotificationRepository_UpdateStatusInTx_InvalidStatus(t *testing.T) {
	tx := new(mockDBTX)
	repo := NewNotificationRepository(new(mockDBTX), 0)

	err := repo.UpdateStatusInTx(context.Background(), tx, "n-1", "Retrying", "")
	assertAppCode(t, err, types.ErrCodeValidationInvalidStatus)
	tx.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

// --- Reads ---

func TestNotificationRepository_GetByID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNotificationRepository(db, 0)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{"n-1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			rows := newMockRows([][]any{notificationRow("n-1", testReceived, "{}", types.StatusCompleted, 2)})
			rows.Next()
			return rows.Scan(dest...)
		}})

	rec, err := repo.GetByID(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, "n-1", rec.NotificationID)
	assert.Equal(t, types.StatusCompleted, rec.ProcessingStatus)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Nil(t, rec.ErrorMessage)
}

func TestNotificationRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNotificationRepository(db, 0)
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "nope")
	assertAppCode(t, err, types.ErrCodeNotFoundNotification)
}

func TestNotificationRepository_GetBySubscription_Limits(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 50},
		{-5, 50},
		{20, 20},
		{500, 100},
	}

	for _, tt := range tests {
		db := new(mockDBTX)
		repo := NewNotificationRepository(db, 0)
		db.On("Query", mock.Anything, mock.Anything, []any{"sub-1", tt.want}).Return(newMockRows(nil), nil)

		_, err := repo.GetBySubscription(context.Background(), "sub-1", tt.in)
		require.NoError(t, err)
		db.AssertExpectations(t)
	}
}

func TestNotificationRepository_CountByStatus(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNotificationRepository(db, 0)
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).
		Return(newMockRows([][]any{{"Completed", int64(7)}, {"Failed", int64(2)}}), nil)

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.StatusCount{
		{Status: types.StatusCompleted, Count: 7},
		{Status: types.StatusFailed, Count: 2},
	}, counts)
}

// --- TxStore ---

func TestNotificationRepository_InTx_RoutesWritesToTransaction(t *testing.T) {
	pool := new(mockDBTX)
	tx := new(mockDBTX)
	repo := NewNotificationRepository(pool, 0)
	store := repo.InTx(tx)

	tx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})
	tx.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	res, err := store.Upsert(context.Background(), newTestRecord())
	require.NoError(t, err)
	assert.Equal(t, types.UpsertDuplicate, res)
	require.NoError(t, store.UpdateStatus(context.Background(), "n-1", types.StatusCompleted, ""))

	tx.AssertExpectations(t)
	pool.AssertNotCalled(t, "Begin", mock.Anything)
	pool.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func stringPtr(s string) *string { return &s }
