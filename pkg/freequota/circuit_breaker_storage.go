package freequota

import (
	"context"
	"fmt"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
// An open circuit surfaces as ErrStoreUnavailable.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetUsageRecords(ctx context.Context, period string, subject Subject) ([]*UsageRecord, error) {
	var records []*UsageRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		records, e = s.storage.GetUsageRecords(ctx, period, subject)
		return e
	})
	return records, openAsUnavailable(err)
}

func (s *CircuitBreakerStorage) RecordUse(ctx context.Context, req *RecordRequest) (*RecordResult, error) {
	var res *RecordResult
	err := s.cb.Execute(ctx, func() error {
		var e error
		res, e = s.storage.RecordUse(ctx, req)
		return e
	})
	return res, openAsUnavailable(err)
}

// LogAttempt bypasses the breaker. Audit writes are best effort and must not
// open the circuit that guards the usage counter.
func (s *CircuitBreakerStorage) LogAttempt(ctx context.Context, attempt *Attempt) error {
	return s.storage.LogAttempt(ctx, attempt)
}

// Ping delegates to the wrapped storage when it can report health. It bypasses the breaker.
func (s *CircuitBreakerStorage) Ping(ctx context.Context) error {
	if p, ok := s.storage.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// CircuitBreakerBilling wraps a BillingProvider with circuit breaker protection.
type CircuitBreakerBilling struct {
	provider BillingProvider
	cb       CircuitBreaker
}

// NewCircuitBreakerBilling creates a new billing wrapper with circuit breaker.
func NewCircuitBreakerBilling(provider BillingProvider, cb CircuitBreaker) *CircuitBreakerBilling {
	return &CircuitBreakerBilling{provider: provider, cb: cb}
}

func (b *CircuitBreakerBilling) GetSubscriptionStatus(ctx context.Context, userID string) (*Subscription, error) {
	var sub *Subscription
	err := b.cb.Execute(ctx, func() error {
		var e error
		sub, e = b.provider.GetSubscriptionStatus(ctx, userID)
		return e
	})
	if err == ErrCircuitOpen {
		return nil, fmt.Errorf("%w: %w", ErrBillingProviderUnavailable, err)
	}
	return sub, err
}

func openAsUnavailable(err error) error {
	if err == ErrCircuitOpen {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
