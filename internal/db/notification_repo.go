package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mailnotify/internal/types"
)

// Claim and read bounds.
const (
	MaxClaimLimit          = 100
	defaultSubscriptionLim = 50
)

const notificationColumns = `notification_id, subscription_id, change_type, resource_uri, resource_id,
	notification_timestamp, received_timestamp, raw_payload, processing_status,
	error_message, retry_count`

// NotificationRepository provides data access for the notifications table.
//
// Writes keyed by notification_id are idempotent. ClaimBatch and
// UpdateStatusInTx run inside a caller-supplied transaction so that row locks
// and status changes are released together on commit.
type NotificationRepository struct {
	db                Beginner
	compressThreshold int
}

// NewNotificationRepository creates a NotificationRepository. Raw payloads of
// at least compressThreshold bytes are stored zstd-compressed; zero disables
// compression.
func NewNotificationRepository(db Beginner, compressThreshold int) *NotificationRepository {
	return &NotificationRepository{db: db, compressThreshold: compressThreshold}
}

// Upsert inserts rec or, when a row with the same notification_id exists,
// overwrites its mutable columns (processing_status, error_message,
// retry_count, received_timestamp). Identity and payload columns are never
// overwritten. A conflicting write that would change nothing reports
// UpsertDuplicate.
func (r *NotificationRepository) Upsert(ctx context.Context, rec *types.NotificationRecord) (types.UpsertResult, error) {
	return r.upsert(ctx, r.db, rec)
}

func (r *NotificationRepository) upsert(ctx context.Context, q DBTX, rec *types.NotificationRecord) (types.UpsertResult, error) {
	if err := validateRecord(rec); err != nil {
		return "", err
	}

	var inserted bool
	err := q.QueryRow(ctx,
		`INSERT INTO notifications
		 (notification_id, subscription_id, change_type, resource_uri, resource_id,
		  notification_timestamp, received_timestamp, raw_payload, processing_status,
		  error_message, retry_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (notification_id) DO UPDATE SET
			processing_status = EXCLUDED.processing_status,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			received_timestamp = EXCLUDED.received_timestamp
		 WHERE (notifications.processing_status, notifications.error_message,
		        notifications.retry_count, notifications.received_timestamp)
		       IS DISTINCT FROM
		       (EXCLUDED.processing_status, EXCLUDED.error_message,
		        EXCLUDED.retry_count, EXCLUDED.received_timestamp)
		 RETURNING (xmax = 0) AS inserted`,
		rec.NotificationID,
		rec.SubscriptionID,
		string(rec.ChangeType),
		rec.ResourceURI,
		rec.ResourceID,
		nilIfZeroTime(rec.NotificationTimestamp),
		rec.ReceivedTimestamp,
		encodePayload(rec.RawPayload, r.compressThreshold),
		string(rec.ProcessingStatus),
		rec.ErrorMessage,
		rec.RetryCount,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.UpsertDuplicate, nil
	}
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to upsert notification", err)
	}
	if inserted {
		return types.UpsertInserted, nil
	}
	return types.UpsertUpdated, nil
}

func validateRecord(rec *types.NotificationRecord) error {
	switch {
	case rec == nil:
		return types.NewAppError(types.ErrCodeValidationMissingField, "notification record is required", nil)
	case rec.NotificationID == "":
		return types.NewAppError(types.ErrCodeValidationMissingField, "notification id is required", nil)
	case rec.SubscriptionID == "":
		return types.NewAppError(types.ErrCodeValidationMissingField, "subscription id is required", nil)
	case rec.ReceivedTimestamp.IsZero():
		return types.NewAppError(types.ErrCodeValidationMissingField, "received timestamp is required", nil)
	case !rec.ProcessingStatus.Valid():
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidStatus,
			"unrecognized processing status", nil,
			map[string]any{"status": string(rec.ProcessingStatus)})
	case rec.RetryCount < 0:
		return types.NewAppError(types.ErrCodeValidationMissingField, "retry count must not be negative", nil)
	}
	return nil
}

// ClaimBatch selects up to limit retryable notifications received at or after
// since, oldest first, and locks them with FOR UPDATE SKIP LOCKED so
// concurrent claimers never see the same rows. tx must be an open
// transaction; the locks are held until it commits or rolls back.
//
// Failed rows without a raw payload are never selected again; the test is the
// same as NotificationRecord.HasPayload.
func (r *NotificationRepository) ClaimBatch(ctx context.Context, tx DBTX, limit, maxRetryCount int, since time.Time) ([]*types.NotificationRecord, error) {
	if limit < 1 || limit > MaxClaimLimit {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeRangeLimit,
			fmt.Sprintf("claim limit must be between 1 and %d", MaxClaimLimit), nil,
			map[string]any{"limit": limit})
	}

	rows, err := tx.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE processing_status IN ('Pending', 'Failed')
		   AND retry_count < $1
		   AND received_timestamp >= $2
		   AND NOT (processing_status = 'Failed' AND raw_payload = '')
		 ORDER BY received_timestamp ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		maxRetryCount,
		since,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim notifications", err)
	}
	defer rows.Close()

	var results []*types.NotificationRecord
	for rows.Next() {
		rec, scanErr := scanNotification(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed notification", scanErr)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed notifications", err)
	}
	return results, nil
}

// UpdateStatus sets the processing status in its own transaction.
// retry_count is incremented only when status is Failed.
func (r *NotificationRepository) UpdateStatus(ctx context.Context, id string, status types.ProcessingStatus, errMsg string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin status update", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := r.UpdateStatusInTx(ctx, tx, id, status, errMsg); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit status update", err)
	}
	return nil
}

// UpdateStatusInTx is UpdateStatus inside the caller's transaction.
func (r *NotificationRepository) UpdateStatusInTx(ctx context.Context, tx DBTX, id string, status types.ProcessingStatus, errMsg string) error {
	if id == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "notification id is required", nil)
	}
	if !status.Valid() {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidStatus,
			"unrecognized processing status", nil,
			map[string]any{"status": string(status)})
	}

	tag, err := tx.Exec(ctx,
		`UPDATE notifications SET
			processing_status = $2,
			error_message = $3,
			retry_count = CASE WHEN $2 = 'Failed' THEN retry_count + 1 ELSE retry_count END
		 WHERE notification_id = $1`,
		id,
		string(status),
		nilIfEmpty(errMsg),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update notification status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundNotification,
			"notification not found", nil,
			map[string]any{"notification_id": id})
	}
	return nil
}

// GetByID returns a single notification.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*types.NotificationRecord, error) {
	rec, err := scanNotification(r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE notification_id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification", err)
	}
	return rec, nil
}

// GetBySubscription returns the most recently received notifications for a
// subscription. limit defaults to 50 and is capped at 100.
func (r *NotificationRepository) GetBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*types.NotificationRecord, error) {
	if limit <= 0 {
		limit = defaultSubscriptionLim
	}
	if limit > MaxClaimLimit {
		limit = MaxClaimLimit
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE subscription_id = $1
		 ORDER BY received_timestamp DESC
		 LIMIT $2`,
		subscriptionID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list notifications by subscription", err)
	}
	defer rows.Close()

	var results []*types.NotificationRecord
	for rows.Next() {
		rec, scanErr := scanNotification(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", scanErr)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}
	return results, nil
}

// CountByStatus returns the number of stored notifications per status.
func (r *NotificationRepository) CountByStatus(ctx context.Context) ([]types.StatusCount, error) {
	rows, err := r.db.Query(ctx,
		`SELECT processing_status, COUNT(*)
		 FROM notifications
		 GROUP BY processing_status
		 ORDER BY processing_status`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count notifications", err)
	}
	defer rows.Close()

	var counts []types.StatusCount
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan status count", err)
		}
		counts = append(counts, types.StatusCount{Status: types.ProcessingStatus(status), Count: n})
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating status counts", err)
	}
	return counts, nil
}

// BeginClaimTx opens the transaction a retry cycle claims and updates
// records in. The handle is safe for concurrent use.
func (r *NotificationRepository) BeginClaimTx(ctx context.Context) (ClaimTx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin claim transaction", err)
	}
	return NewSerialTx(tx), nil
}

// Ping checks database connectivity.
func (r *NotificationRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "database ping failed", err)
	}
	return nil
}

// InTx returns a view of the repository whose writes run in tx.
func (r *NotificationRepository) InTx(tx DBTX) *TxStore {
	return &TxStore{repo: r, tx: tx}
}

// TxStore binds the repository's write path to one transaction. It is used
// when replaying claimed records, whose rows are already locked by tx.
type TxStore struct {
	repo *NotificationRepository
	tx   DBTX
}

func (s *TxStore) Upsert(ctx context.Context, rec *types.NotificationRecord) (types.UpsertResult, error) {
	return s.repo.upsert(ctx, s.tx, rec)
}

func (s *TxStore) UpdateStatus(ctx context.Context, id string, status types.ProcessingStatus, errMsg string) error {
	return s.repo.UpdateStatusInTx(ctx, s.tx, id, status, errMsg)
}

func scanNotification(row pgx.Row) (*types.NotificationRecord, error) {
	var (
		rec          types.NotificationRecord
		changeType   string
		status       string
		notifiedAt   *time.Time
		storedRaw    string
		errorMessage *string
	)
	if err := row.Scan(
		&rec.NotificationID,
		&rec.SubscriptionID,
		&changeType,
		&rec.ResourceURI,
		&rec.ResourceID,
		&notifiedAt,
		&rec.ReceivedTimestamp,
		&storedRaw,
		&status,
		&errorMessage,
		&rec.RetryCount,
	); err != nil {
		return nil, err
	}

	raw, err := decodePayload(storedRaw)
	if err != nil {
		return nil, err
	}

	rec.ChangeType = types.ChangeType(changeType)
	rec.ProcessingStatus = types.ProcessingStatus(status)
	rec.RawPayload = raw
	rec.ErrorMessage = errorMessage
	if notifiedAt != nil {
		rec.NotificationTimestamp = *notifiedAt
	}
	return &rec, nil
}

func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
