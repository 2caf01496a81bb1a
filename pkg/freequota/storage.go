package freequota

import (
	"context"
	"time"
)

// Storage defines the interface for usage counter persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetUsageRecords returns every record of period that matches any identity
	// component of subject. Returns an empty slice (not an error) when none match.
	GetUsageRecords(ctx context.Context, period string, subject Subject) ([]*UsageRecord, error)

	// RecordUse atomically tallies the subject's matching records, and if the
	// effective count is below req.Limit writes count+1 onto the target record
	// (creating it if needed). Two concurrent calls for overlapping subjects
	// must be serialized so that at most Limit uses are accepted per period.
	RecordUse(ctx context.Context, req *RecordRequest) (*RecordResult, error)

	// LogAttempt appends an audit entry for a write-path metering call
	LogAttempt(ctx context.Context, attempt *Attempt) error
}

// SubscriptionStorage persists the webhook-maintained subscription table
type SubscriptionStorage interface {
	// GetSubscription returns the user's subscription or ErrSubscriptionNotFound
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// SetSubscription upserts the user's subscription row
	SetSubscription(ctx context.Context, sub *Subscription) error
}

// RecordRequest is an atomic increment-if-below-limit request
type RecordRequest struct {
	Period     string
	Subject    Subject
	Limit      int
	Precedence []IdentityKind
	Now        time.Time

	// NewID generates the id of a record created by this call
	NewID func() string
}

// RecordResult is the outcome of RecordRequest
type RecordResult struct {
	// Allowed is false when the effective count had already reached Limit
	Allowed bool

	// PreviousCount is the effective count observed inside the atomic section
	PreviousCount int

	// NewCount is PreviousCount+1 when Allowed, PreviousCount otherwise
	NewCount int

	// Record is the written record (nil when not Allowed)
	Record *UsageRecord
}

// Pinger is implemented by backends that can report their health
type Pinger interface {
	Ping(ctx context.Context) error
}
