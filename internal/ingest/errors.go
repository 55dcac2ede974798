package ingest

import (
	"errors"
	"fmt"

	"mailnotify/internal/types"
)

// Reasons a secret validation fails. They are logged and carried on the
// error for diagnostics only; every one of them rejects the delivery.
const (
	ReasonNotFound      = "not_found"
	ReasonLookupTimeout = "lookup_timeout"
	ReasonLookupFailed  = "lookup_failed"
	ReasonExpired       = "expired"
	ReasonMismatch      = "secret_mismatch"
)

// SecurityViolationError reports that a delivery failed secret validation.
// It is the only error Gateway.Handle returns, and it rejects the whole
// delivery batch.
type SecurityViolationError struct {
	SubscriptionID string
	Reason         string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation for subscription %s: %s", e.SubscriptionID, e.Reason)
}

// Unwrap exposes an auth_security_violation AppError so HTTP mapping by code
// works through errors.As.
func (e *SecurityViolationError) Unwrap() error {
	return types.NewAppErrorWithDetails(types.ErrCodeAuthSecurityViolation,
		"notification failed client state validation", nil,
		map[string]any{"subscription_id": e.SubscriptionID})
}

// IsSecurityViolation reports whether err is or wraps a SecurityViolationError.
func IsSecurityViolation(err error) bool {
	var sv *SecurityViolationError
	return errors.As(err, &sv)
}
