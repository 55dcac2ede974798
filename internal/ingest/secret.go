package ingest

import (
	"context"
	"errors"
	"time"

	"mailnotify/internal/types"
)

// DefaultGracePeriod is how long after expiration a subscription secret is
// still accepted.
const DefaultGracePeriod = 5 * time.Minute

// SecretStore looks up subscription secrets.
type SecretStore interface {
	GetSecret(ctx context.Context, subscriptionID string) (*types.SubscriptionSecret, error)
}

// ValidationOutcome is the result of one secret check.
type ValidationOutcome struct {
	Valid       bool
	WithinGrace bool
	Reason      string
}

// SecretValidator authenticates deliveries against stored subscription
// secrets. It fails closed: a lookup that errors, times out or is cancelled
// rejects the delivery.
type SecretValidator struct {
	secrets       SecretStore
	clock         types.Clock
	gracePeriod   time.Duration
	lookupTimeout time.Duration
	logger        types.Logger
}

// NewSecretValidator creates a SecretValidator. A non-positive gracePeriod
// uses DefaultGracePeriod; a non-positive lookupTimeout disables the
// per-lookup deadline.
func NewSecretValidator(secrets SecretStore, clock types.Clock, gracePeriod, lookupTimeout time.Duration, logger types.Logger) *SecretValidator {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SecretValidator{
		secrets:       secrets,
		clock:         clock,
		gracePeriod:   gracePeriod,
		lookupTimeout: lookupTimeout,
		logger:        logger,
	}
}

// Validate checks clientState against the stored secret for subscriptionID.
func (v *SecretValidator) Validate(ctx context.Context, subscriptionID string, clientState types.SecretString) ValidationOutcome {
	log := v.logger.With("subscription_id", subscriptionID)

	secret, reason := v.lookup(ctx, subscriptionID)
	if secret == nil {
		log.Warn("client state validation failed", "reason", reason)
		return ValidationOutcome{Reason: reason}
	}

	now := v.clock.Now()
	threshold := now.Add(-v.gracePeriod)
	if !secret.ExpirationTime.After(threshold) {
		log.Warn("client state validation failed",
			"reason", ReasonExpired,
			"expired_at", secret.ExpirationTime,
		)
		return ValidationOutcome{Reason: ReasonExpired}
	}
	withinGrace := !secret.ExpirationTime.After(now)

	if !clientState.Equal(secret.ClientSecret) {
		log.Warn("client state validation failed", "reason", ReasonMismatch)
		return ValidationOutcome{Reason: ReasonMismatch}
	}

	if withinGrace {
		log.Warn("subscription secret accepted within grace period",
			"expired_at", secret.ExpirationTime,
			"grace_period", v.gracePeriod.String(),
		)
	}
	return ValidationOutcome{Valid: true, WithinGrace: withinGrace}
}

func (v *SecretValidator) lookup(ctx context.Context, subscriptionID string) (*types.SubscriptionSecret, string) {
	if err := ctx.Err(); err != nil {
		return nil, ReasonLookupTimeout
	}

	lookupCtx := ctx
	if v.lookupTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, v.lookupTimeout)
		defer cancel()
	}

	secret, err := v.secrets.GetSecret(lookupCtx, subscriptionID)
	switch {
	case err == nil && secret != nil:
		return secret, ""
	case err == nil, types.HasCode(err, types.ErrCodeNotFoundSubscription):
		return nil, ReasonNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), lookupCtx.Err() != nil:
		return nil, ReasonLookupTimeout
	default:
		v.logger.Error("subscription secret lookup failed", "subscription_id", subscriptionID, "error", err)
		return nil, ReasonLookupFailed
	}
}
