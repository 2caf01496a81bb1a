package freequota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func resolverConfig() Config {
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return testNow }
	return cfg
}

func TestEntitlementResolver_AnonymousIsFree(t *testing.T) {
	billing := &stubBilling{}
	r := NewEntitlementResolver(billing, resolverConfig())

	snap := r.Resolve(context.Background(), Subject{FingerprintHash: "fp"})
	assert.Equal(t, StatusFree, snap.Status)
	assert.False(t, snap.Unlimited)
	assert.Equal(t, 0, billing.calls, "provider is not consulted without a user id")
}

func TestEntitlementResolver_Statuses(t *testing.T) {
	future := testNow.Add(24 * time.Hour)
	past := testNow.Add(-time.Second)

	tests := []struct {
		name      string
		sub       *Subscription
		err       error
		status    SubscriptionStatus
		unlimited bool
		degraded  bool
	}{
		{name: "active", sub: &Subscription{Status: StatusActive, PeriodEnd: future}, status: StatusActive, unlimited: true},
		{name: "trialing", sub: &Subscription{Status: StatusTrialing, PeriodEnd: future}, status: StatusTrialing, unlimited: true},
		{name: "active past period end", sub: &Subscription{Status: StatusActive, PeriodEnd: past}, status: StatusActive},
		{name: "canceled", sub: &Subscription{Status: StatusCanceled, PeriodEnd: future}, status: StatusCanceled},
		{name: "past due", sub: &Subscription{Status: StatusPastDue, PeriodEnd: future}, status: StatusPastDue},
		{name: "never subscribed", err: ErrSubscriptionNotFound, status: StatusFree},
		{name: "provider error", err: errors.New("boom"), status: StatusFree, degraded: true},
		{name: "unknown status", sub: &Subscription{Status: "weird", PeriodEnd: future}, status: StatusFree, degraded: true},
		{name: "active without period end", sub: &Subscription{Status: StatusActive}, status: StatusFree, degraded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewEntitlementResolver(&stubBilling{sub: tt.sub, err: tt.err}, resolverConfig())
			snap := r.Resolve(context.Background(), Subject{UserID: "u1", FingerprintHash: "fp"})
			assert.Equal(t, tt.status, snap.Status)
			assert.Equal(t, tt.unlimited, snap.Unlimited)
			assert.Equal(t, tt.degraded, snap.Degraded)
			assert.Equal(t, testNow, snap.CheckedAt)
		})
	}
}

func TestEntitlementResolver_CachesAndInvalidates(t *testing.T) {
	billing := &stubBilling{sub: &Subscription{Status: StatusActive, PeriodEnd: testNow.Add(time.Hour)}}
	r := NewEntitlementResolver(billing, resolverConfig())
	subject := Subject{UserID: "u1", FingerprintHash: "fp"}
	ctx := context.Background()

	assert.True(t, r.Resolve(ctx, subject).Unlimited)
	assert.True(t, r.Resolve(ctx, subject).Unlimited)
	assert.Equal(t, 1, billing.calls)

	billing.sub = &Subscription{Status: StatusCanceled, PeriodEnd: testNow.Add(time.Hour)}
	r.Invalidate("u1")
	assert.False(t, r.Resolve(ctx, subject).Unlimited)
	assert.Equal(t, 2, billing.calls)
}

func TestEntitlementResolver_DegradedIsNotCached(t *testing.T) {
	billing := &stubBilling{err: errors.New("down")}
	r := NewEntitlementResolver(billing, resolverConfig())
	subject := Subject{UserID: "u1", FingerprintHash: "fp"}

	assert.True(t, r.Resolve(context.Background(), subject).Degraded)
	billing.err = nil
	billing.sub = &Subscription{Status: StatusActive, PeriodEnd: testNow.Add(time.Hour)}
	assert.True(t, r.Resolve(context.Background(), subject).Unlimited)
}

func TestEntitlementResolver_CachedSnapshotExpiresAtPeriodEnd(t *testing.T) {
	now := testNow
	cfg := DefaultConfig()
	cfg.CacheConfig.EntitlementTTL = time.Hour
	cfg.Now = func() time.Time { return now }

	billing := &stubBilling{sub: &Subscription{Status: StatusActive, PeriodEnd: testNow.Add(time.Minute)}}
	r := NewEntitlementResolver(billing, cfg)
	subject := Subject{UserID: "u1", FingerprintHash: "fp"}

	assert.True(t, r.Resolve(context.Background(), subject).Unlimited)
	now = now.Add(2 * time.Minute)
	assert.False(t, r.Resolve(context.Background(), subject).Unlimited)
}

type blockingBilling struct {
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingBilling) GetSubscriptionStatus(ctx context.Context, _ string) (*Subscription, error) {
	b.calls.Add(1)
	<-b.release
	return &Subscription{Status: StatusActive, PeriodEnd: testNow.Add(time.Hour)}, nil
}

func TestEntitlementResolver_CoalescesConcurrentMisses(t *testing.T) {
	billing := &blockingBilling{release: make(chan struct{})}
	r := NewEntitlementResolver(billing, resolverConfig())
	subject := Subject{UserID: "u1", FingerprintHash: "fp"}

	var wg sync.WaitGroup
	results := make([]bool, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), subject).Unlimited
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(billing.release)
	wg.Wait()

	for _, unlimited := range results {
		assert.True(t, unlimited)
	}
	assert.LessOrEqual(t, billing.calls.Load(), int32(2))
}
