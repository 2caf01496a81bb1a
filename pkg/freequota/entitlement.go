package freequota

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

const entitlementCacheType = "entitlement"

// EntitlementResolver decides whether a subject has unlimited access.
// It never returns an error: when billing cannot be consulted it fails
// closed toward the free tier and marks the snapshot Degraded.
type EntitlementResolver struct {
	billing BillingProvider
	cache   Cache
	ttl     time.Duration
	timeout time.Duration
	group   singleflight.Group
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewEntitlementResolver creates a resolver. Zero config fields take their defaults.
func NewEntitlementResolver(billing BillingProvider, config Config) *EntitlementResolver {
	config = config.withDefaults()
	r := &EntitlementResolver{
		billing: billing,
		cache:   NewNoopCache(),
		timeout: config.Timeout,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
	if config.CacheConfig != nil && config.CacheConfig.Enabled {
		r.cache = NewLRUCache(config.CacheConfig.MaxEntitlements)
		r.ttl = config.CacheConfig.EntitlementTTL
	}
	return r
}

// Resolve returns the entitlement snapshot of subject at the current time
func (r *EntitlementResolver) Resolve(ctx context.Context, subject Subject) EntitlementSnapshot {
	now := r.now()
	if subject.Anonymous() || r.billing == nil {
		return EntitlementSnapshot{Status: StatusFree, CheckedAt: now}
	}

	if snap, ok := r.cache.GetEntitlement(subject.UserID); ok {
		r.metrics.RecordCacheHit(entitlementCacheType)
		// A cached paid snapshot must still stop at PeriodEnd.
		snap.Unlimited = isUnlimited(snap.Status, snap.PeriodEnd, now)
		return *snap
	}
	r.metrics.RecordCacheMiss(entitlementCacheType)

	v, _, _ := r.group.Do(subject.UserID, func() (interface{}, error) {
		return r.fetch(ctx, subject.UserID), nil
	})
	snap := v.(EntitlementSnapshot)
	snap.Unlimited = isUnlimited(snap.Status, snap.PeriodEnd, now)
	return snap
}

// Invalidate drops the cached snapshot of userID
func (r *EntitlementResolver) Invalidate(userID string) {
	r.cache.InvalidateEntitlement(userID)
}

// CacheStats returns entitlement cache statistics
func (r *EntitlementResolver) CacheStats() CacheStats {
	return r.cache.Stats()
}

func (r *EntitlementResolver) fetch(ctx context.Context, userID string) EntitlementSnapshot {
	// The call is shared by every waiter of the flight, so it must not die with the first caller.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	now := r.now()
	sub, err := r.billing.GetSubscriptionStatus(callCtx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		snap := EntitlementSnapshot{Status: StatusFree, CheckedAt: now}
		r.cache.SetEntitlement(userID, &snap, r.ttl)
		return snap
	}
	if err == nil {
		err = validateSubscription(sub)
	}
	if err != nil {
		r.logger.Warn("billing lookup failed, treating user as free",
			Field{"userId", userID},
			Field{"error", err},
		)
		r.metrics.RecordBillingDegraded()
		return EntitlementSnapshot{Status: StatusFree, Degraded: true, CheckedAt: now}
	}

	snap := EntitlementSnapshot{
		Status:    sub.Status,
		PeriodEnd: sub.PeriodEnd,
		CheckedAt: now,
	}
	r.cache.SetEntitlement(userID, &snap, r.ttl)
	return snap
}

func validateSubscription(sub *Subscription) error {
	if sub == nil {
		return ErrMalformedSubscription
	}
	if !sub.Status.Valid() {
		return errors.Join(ErrMalformedSubscription, errors.New("unknown status "+string(sub.Status)))
	}
	if (sub.Status == StatusActive || sub.Status == StatusTrialing) && sub.PeriodEnd.IsZero() {
		return errors.Join(ErrMalformedSubscription, errors.New("paid status without period end"))
	}
	return nil
}

func isUnlimited(status SubscriptionStatus, periodEnd, now time.Time) bool {
	return (status == StatusActive || status == StatusTrialing) && now.Before(periodEnd)
}
