package freequota

import (
	"context"
	"time"
)

// Meter is the single entry point every generation path calls. It resolves
// the subject, consults entitlements, and checks or records usage for the
// current period under the configured failure policy.
type Meter struct {
	config   Config
	storage  Storage
	resolver *EntitlementResolver
	counter  *UsageCounter
	budget   *SoftFailBudget
}

// NewMeter creates a meter over storage and billing. billing may be nil, in
// which case every user is quota-bound.
func NewMeter(storage Storage, billing BillingProvider, config Config) (*Meter, error) {
	if storage == nil {
		return nil, ErrStoreUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		storage = NewCircuitBreakerStorage(storage, newObservedBreaker("storage", cbc, config))
		if billing != nil {
			billing = NewCircuitBreakerBilling(billing, newObservedBreaker("billing", cbc, config))
		}
	}

	return &Meter{
		config:   config,
		storage:  storage,
		resolver: NewEntitlementResolver(billing, config),
		counter:  NewUsageCounter(storage, config),
		budget:   NewSoftFailBudget(config.SoftFailDailyCap, config.Location, config.Logger),
	}, nil
}

func newObservedBreaker(name string, cbc *CircuitBreakerConfig, config Config) *DefaultCircuitBreaker {
	return NewDefaultCircuitBreaker(cbc.FailureThreshold, cbc.ResetTimeout, func(state CircuitBreakerState) {
		config.Metrics.RecordCircuitBreakerStateChange(name, string(state))
		config.Logger.Warn("circuit breaker state changed",
			Field{"breaker", name},
			Field{"state", string(state)},
		)
	})
}

// Check returns the caller's current standing without consuming anything.
func (m *Meter) Check(ctx context.Context, req Request) (*QuotaDecision, error) {
	subject, err := Resolve(req.UserID, req.FingerprintHash, req.IPHash)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	period := m.CurrentPeriod()
	ent := m.resolver.Resolve(ctx, subject)
	decision, err := m.counter.CheckQuota(ctx, subject, ent, period)
	m.config.Metrics.RecordQuotaCheck(time.Since(start), err)
	if err != nil {
		return m.onStoreFailure(subject, period, "check", err)
	}
	return decision, nil
}

// Record consumes one use when the quota allows it. A blocked decision is
// returned with a nil error.
func (m *Meter) Record(ctx context.Context, req Request) (*QuotaDecision, error) {
	subject, err := Resolve(req.UserID, req.FingerprintHash, req.IPHash)
	if err != nil {
		return nil, err
	}

	now := m.config.Now()
	period := PeriodAt(now, m.config.Location)
	ent := m.resolver.Resolve(ctx, subject)
	decision, err := m.counter.RecordUse(ctx, subject, ent, period, now, requestMetadata(req))
	if err != nil {
		decision, err = m.onStoreFailure(subject, period, "record", err)
		if err != nil {
			return nil, err
		}
		m.counter.audit(ctx, subject, period, OutcomeSoftFailed, 0, requestMetadata(req), now)
		m.config.Metrics.RecordDecision(OutcomeSoftFailed, subject.Anonymous())
		return decision, nil
	}

	m.config.Metrics.RecordDecision(outcomeOf(decision), subject.Anonymous())
	return decision, nil
}

// onStoreFailure applies the failure policy to a store error.
func (m *Meter) onStoreFailure(subject Subject, period Period, op string, err error) (*QuotaDecision, error) {
	m.config.Metrics.RecordStoreUnavailable(op)

	if m.config.FailurePolicy == FailSoft && m.budget.Take(m.config.Now()) {
		m.config.Logger.Warn("usage store unavailable, allowing request under soft fail policy",
			Field{"operation", op},
			Field{"userId", subject.UserID},
			Field{"error", err},
		)
		return &QuotaDecision{
			Allowed:    true,
			Limit:      m.config.QuotaLimit,
			Remaining:  0,
			ResetAt:    period.End,
			SoftFailed: true,
		}, nil
	}

	m.config.Logger.Error("usage store unavailable",
		Field{"operation", op},
		Field{"userId", subject.UserID},
		Field{"error", err},
	)
	return nil, err
}

// CurrentPeriod returns the billing period at the meter's clock
func (m *Meter) CurrentPeriod() Period {
	return PeriodAt(m.config.Now(), m.config.Location)
}

// Entitlement resolves the subject's entitlement snapshot
func (m *Meter) Entitlement(ctx context.Context, subject Subject) EntitlementSnapshot {
	return m.resolver.Resolve(ctx, subject)
}

// InvalidateEntitlement drops the cached snapshot of userID. Billing webhooks
// call it when a subscription changes.
func (m *Meter) InvalidateEntitlement(userID string) {
	m.resolver.Invalidate(userID)
}

// Limit returns the configured per-period quota
func (m *Meter) Limit() int {
	return m.config.QuotaLimit
}

// Ping checks store reachability when the backend supports it.
func (m *Meter) Ping(ctx context.Context) error {
	p, ok := m.storage.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()
	return p.Ping(ctx)
}

func requestMetadata(req Request) map[string]string {
	if req.SessionID == "" {
		return req.Metadata
	}
	md := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		md[k] = v
	}
	md["sessionId"] = req.SessionID
	return md
}

func outcomeOf(d *QuotaDecision) AttemptOutcome {
	switch {
	case d.Unlimited:
		return OutcomeUnlimited
	case d.Allowed:
		return OutcomeAllowed
	default:
		return OutcomeBlocked
	}
}
