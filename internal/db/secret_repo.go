package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"mailnotify/internal/types"
)

// SubscriptionSecretRepository reads subscription secrets. The table is owned
// by the subscription manager; this service never writes it.
type SubscriptionSecretRepository struct {
	db DBTX
}

// NewSubscriptionSecretRepository creates a SubscriptionSecretRepository.
func NewSubscriptionSecretRepository(db DBTX) *SubscriptionSecretRepository {
	return &SubscriptionSecretRepository{db: db}
}

// GetSecret returns the secret for a subscription, or a not_found_subscription
// error when none is stored.
func (r *SubscriptionSecretRepository) GetSecret(ctx context.Context, subscriptionID string) (*types.SubscriptionSecret, error) {
	var (
		s      types.SubscriptionSecret
		secret string
	)
	err := r.db.QueryRow(ctx,
		`SELECT subscription_id, expiration_time, client_secret
		 FROM subscription_secrets
		 WHERE subscription_id = $1`,
		subscriptionID,
	).Scan(&s.SubscriptionID, &s.ExpirationTime, &secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription secret not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription secret", err)
	}
	s.ClientSecret = types.SecretString(secret)
	return &s, nil
}
