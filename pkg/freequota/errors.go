package freequota

import (
	"context"
	"errors"
)

var (
	// ErrInvalidIdentity is returned when a request carries no usable identity signal
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrBillingProviderUnavailable is returned when the billing provider cannot be reached
	ErrBillingProviderUnavailable = errors.New("billing provider unavailable")

	// ErrStoreUnavailable is returned when the usage store cannot be reached or timed out
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidConfig is returned for an unusable configuration
	ErrInvalidConfig = errors.New("invalid config")

	// ErrSubscriptionNotFound is returned when a user has no subscription row
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrMalformedSubscription is returned when billing data cannot be interpreted
	ErrMalformedSubscription = errors.New("malformed subscription")
)

// isContextError reports whether err came from a cancelled or expired context
func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// IsStoreUnavailable reports whether err means the usage store could not serve the call
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrCircuitOpen) || isContextError(err)
}
