package freequota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageCounter is the single read/increment path over the usage store.
type UsageCounter struct {
	storage    Storage
	limit      int
	precedence []IdentityKind
	timeout    time.Duration
	logger     Logger
	metrics    Metrics
	newID      func() string
}

// NewUsageCounter creates a counter over storage. Zero config fields take their defaults.
func NewUsageCounter(storage Storage, config Config) *UsageCounter {
	config = config.withDefaults()
	return &UsageCounter{
		storage:    storage,
		limit:      config.QuotaLimit,
		precedence: config.IdentityPrecedence,
		timeout:    config.Timeout,
		logger:     config.Logger,
		metrics:    config.Metrics,
		newID:      uuid.NewString,
	}
}

// Limit returns the configured per-period quota
func (c *UsageCounter) Limit() int {
	return c.limit
}

// CheckQuota reports the subject's standing in period without mutating anything.
func (c *UsageCounter) CheckQuota(ctx context.Context, subject Subject, ent EntitlementSnapshot,
	period Period) (*QuotaDecision, error) {
	if ent.Unlimited {
		return c.unlimited(period), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	records, err := c.storage.GetUsageRecords(ctx, period.Key(), subject)
	c.metrics.RecordStorageOperation("get_usage_records", time.Since(start), err)
	if err != nil {
		return nil, storeUnavailable("get usage records", err)
	}

	t := TallyRecords(records, subject, c.precedence)
	return c.decision(t.Count, t.Count < c.limit, period), nil
}

// RecordUse atomically counts one use against subject in period when the quota allows it.
// Blocked calls do not increment. Every call leaves an audit attempt.
func (c *UsageCounter) RecordUse(ctx context.Context, subject Subject, ent EntitlementSnapshot,
	period Period, now time.Time, metadata map[string]string) (*QuotaDecision, error) {
	if ent.Unlimited {
		c.audit(ctx, subject, period, OutcomeUnlimited, 0, metadata, now)
		return c.unlimited(period), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res, err := c.storage.RecordUse(callCtx, &RecordRequest{
		Period:     period.Key(),
		Subject:    subject,
		Limit:      c.limit,
		Precedence: c.precedence,
		Now:        now,
		NewID:      c.newID,
	})
	c.metrics.RecordStorageOperation("record_use", time.Since(start), err)
	if err != nil {
		return nil, storeUnavailable("record use", err)
	}

	outcome := OutcomeAllowed
	if !res.Allowed {
		outcome = OutcomeBlocked
	}
	c.audit(ctx, subject, period, outcome, res.NewCount, metadata, now)

	return c.decision(res.NewCount, res.Allowed, period), nil
}

func (c *UsageCounter) decision(count int, allowed bool, period Period) *QuotaDecision {
	remaining := c.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaDecision{
		Allowed:      allowed,
		CurrentCount: count,
		Remaining:    remaining,
		Limit:        c.limit,
		LimitReached: count >= c.limit,
		ResetAt:      period.End,
	}
}

func (c *UsageCounter) unlimited(period Period) *QuotaDecision {
	return &QuotaDecision{
		Allowed:   true,
		Remaining: UnlimitedRemaining,
		Limit:     c.limit,
		ResetAt:   period.End,
		Unlimited: true,
	}
}

// audit writes an attempt row. Failures are logged and never change the decision.
func (c *UsageCounter) audit(ctx context.Context, subject Subject, period Period, outcome AttemptOutcome,
	countAfter int, metadata map[string]string, now time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	err := c.storage.LogAttempt(ctx, &Attempt{
		ID:              c.newID(),
		Period:          period.Key(),
		UserID:          subject.UserID,
		FingerprintHash: subject.FingerprintHash,
		IPHash:          subject.IPHash,
		Outcome:         outcome,
		CountAfter:      countAfter,
		Metadata:        metadata,
		CreatedAt:       now,
	})
	if err != nil {
		c.logger.Warn("failed to write usage attempt",
			Field{"userId", subject.UserID},
			Field{"outcome", string(outcome)},
			Field{"error", err},
		)
	}
}

func storeUnavailable(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
