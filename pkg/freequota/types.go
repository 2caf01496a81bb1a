package freequota

import (
	"math"
	"time"
)

// UnlimitedRemaining is reported as Remaining for subjects with unlimited access.
const UnlimitedRemaining = math.MaxInt32

// DefaultQuotaLimit is the canonical monthly generation limit for quota-bound subjects.
const DefaultQuotaLimit = 5

// IdentityKind names one component of a usage subject
type IdentityKind string

const (
	// IdentityUser is the authenticated user id
	IdentityUser IdentityKind = "user"
	// IdentityFingerprint is the hashed device fingerprint
	IdentityFingerprint IdentityKind = "fingerprint"
	// IdentityIP is the hashed client IP
	IdentityIP IdentityKind = "ip"
)

// DefaultIdentityPrecedence is the order in which subject components are trusted.
var DefaultIdentityPrecedence = []IdentityKind{IdentityUser, IdentityFingerprint, IdentityIP}

// IdentityKey is a single (kind, value) lookup key of a subject
type IdentityKey struct {
	Kind  IdentityKind
	Value string
}

// String returns a stable "kind:value" form of the key
func (k IdentityKey) String() string {
	return string(k.Kind) + ":" + k.Value
}

// SubscriptionStatus is the billing state of a user's subscription
type SubscriptionStatus string

const (
	StatusFree     SubscriptionStatus = "free"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusPastDue  SubscriptionStatus = "past_due"
)

// Valid reports whether s is one of the known statuses
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusFree, StatusTrialing, StatusActive, StatusCanceled, StatusPastDue:
		return true
	}
	return false
}

// Subscription is the current row of the subscription table for a user.
// It is written by billing webhooks and read by the Billing Provider.
type Subscription struct {
	UserID            string
	Status            SubscriptionStatus
	PeriodEnd         time.Time
	CustomerID        string
	SubscriptionID    string
	PriceID           string
	CancelAtPeriodEnd bool
	UpdatedAt         time.Time
}

// EntitlementSnapshot is a read-only view of a subject's billing state
type EntitlementSnapshot struct {
	Status    SubscriptionStatus
	PeriodEnd time.Time

	// Unlimited is true when Status is trialing or active and CheckedAt is before PeriodEnd
	Unlimited bool

	// Degraded is set when the Billing Provider could not be consulted and the
	// snapshot fell back to quota-bound
	Degraded bool

	CheckedAt time.Time
}

// UsageRecord is one usage counter row for a billing period
type UsageRecord struct {
	ID              string
	Period          string
	UserID          string
	FingerprintHash string
	IPHash          string
	Count           int
	FirstUseAt      time.Time
	LastUseAt       time.Time
}

// Matches reports whether the record shares any identity component with the subject
func (r *UsageRecord) Matches(s Subject) bool {
	if s.UserID != "" && r.UserID == s.UserID {
		return true
	}
	if s.FingerprintHash != "" && r.FingerprintHash == s.FingerprintHash {
		return true
	}
	return s.IPHash != "" && r.IPHash == s.IPHash
}

// QuotaDecision is the outcome of a metering check
type QuotaDecision struct {
	Allowed      bool      `json:"allowed"`
	CurrentCount int       `json:"currentCount"`
	Remaining    int       `json:"remaining"`
	Limit        int       `json:"limit"`
	LimitReached bool      `json:"limitReached"`
	ResetAt      time.Time `json:"resetAt"`
	Unlimited    bool      `json:"unlimited"`

	// Undetermined is set when the store could not be reached and no decision was made
	Undetermined bool `json:"undetermined,omitempty"`

	// SoftFailed is set when the request was let through by the soft-fail policy
	SoftFailed bool `json:"softFailed,omitempty"`
}

// AttemptOutcome classifies an audited metering attempt
type AttemptOutcome string

const (
	OutcomeAllowed    AttemptOutcome = "allowed"
	OutcomeBlocked    AttemptOutcome = "blocked"
	OutcomeUnlimited  AttemptOutcome = "unlimited"
	OutcomeSoftFailed AttemptOutcome = "soft_failed"
)

// Attempt is an audit entry for a write-path metering call
type Attempt struct {
	ID              string
	Period          string
	UserID          string
	FingerprintHash string
	IPHash          string
	Outcome         AttemptOutcome
	CountAfter      int
	Metadata        map[string]string
	CreatedAt       time.Time
}

// Request carries the identity signals and metadata of a generation request
type Request struct {
	UserID          string
	FingerprintHash string
	IPHash          string
	SessionID       string
	Metadata        map[string]string
}

// FailurePolicy decides what happens when the store is unavailable
type FailurePolicy string

const (
	// FailClosed rejects the request with ErrStoreUnavailable
	FailClosed FailurePolicy = "closed"
	// FailSoft lets the request through with a logged warning, bounded by a daily cap
	FailSoft FailurePolicy = "soft"
)

// CacheConfig holds entitlement cache configuration
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// EntitlementTTL is the TTL for cached entitlement snapshots (default: 30 seconds)
	EntitlementTTL time.Duration

	// MaxEntitlements is the maximum number of snapshots to cache (default: 1000)
	MaxEntitlements int
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds meter configuration
type Config struct {
	// QuotaLimit is the monthly number of generations for quota-bound subjects (default: 5)
	QuotaLimit int

	// Location is the time zone in which billing periods roll over (default: UTC)
	Location *time.Location

	// IdentityPrecedence orders the subject components when choosing which
	// anonymous record a write lands on (default: user, fingerprint, ip)
	IdentityPrecedence []IdentityKind

	// Timeout bounds every billing and store call (default: 3 seconds)
	Timeout time.Duration

	// FailurePolicy is applied when the store is unavailable (default: FailClosed)
	FailurePolicy FailurePolicy

	// SoftFailDailyCap bounds how many requests FailSoft may let through per day (default: 100)
	SoftFailDailyCap int

	// CacheConfig configures the entitlement cache
	CacheConfig *CacheConfig

	// CircuitBreakerConfig configures the circuit breaker around storage and billing
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking metering operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}
