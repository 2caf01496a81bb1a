package freequota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	var lastState CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		lastState = state
	})
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		err := cb.Execute(ctx, func() error { return errors.New("fail") })
		assert.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	err := cb.Execute(ctx, func() error { return errors.New("fail") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	err = cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	err = cb.Execute(ctx, func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)
}

func TestDefaultCircuitBreaker_DomainErrorsDoNotTrip(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)

	err := cb.Execute(context.Background(), func() error { return ErrSubscriptionNotFound })
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Equal(t, StateClosed, cb.State())
}

type failingStorage struct {
	err error
}

func (f *failingStorage) GetUsageRecords(context.Context, string, Subject) ([]*UsageRecord, error) {
	return nil, f.err
}

func (f *failingStorage) RecordUse(context.Context, *RecordRequest) (*RecordResult, error) {
	return nil, f.err
}

func (f *failingStorage) LogAttempt(context.Context, *Attempt) error {
	return f.err
}

func TestCircuitBreakerStorage_OpenCircuitIsStoreUnavailable(t *testing.T) {
	cb := NewDefaultCircuitBreaker(2, time.Minute, nil)
	s := NewCircuitBreakerStorage(&failingStorage{err: errors.New("connection refused")}, cb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.RecordUse(ctx, &RecordRequest{})
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, cb.State())

	_, err := s.GetUsageRecords(ctx, "2026-01", Subject{FingerprintHash: "fp"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsStoreUnavailable(err))
}

func TestCircuitBreakerStorage_AuditFailuresDoNotTrip(t *testing.T) {
	cb := NewDefaultCircuitBreaker(2, time.Minute, nil)
	s := NewCircuitBreakerStorage(&failingStorage{err: errors.New("disk full")}, cb)

	for i := 0; i < 5; i++ {
		err := s.LogAttempt(context.Background(), &Attempt{ID: "a"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, StateClosed, cb.State())
}

type stubBilling struct {
	sub   *Subscription
	err   error
	calls int
}

func (b *stubBilling) GetSubscriptionStatus(context.Context, string) (*Subscription, error) {
	b.calls++
	return b.sub, b.err
}

func TestCircuitBreakerBilling_OpenCircuitIsProviderUnavailable(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	inner := &stubBilling{err: errors.New("timeout")}
	b := NewCircuitBreakerBilling(inner, cb)

	_, err := b.GetSubscriptionStatus(context.Background(), "u1")
	require.Error(t, err)

	_, err = b.GetSubscriptionStatus(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrBillingProviderUnavailable)
	assert.Equal(t, 1, inner.calls, "open circuit does not reach the provider")
}
