package freequota

import "time"

// Metrics defines the interface for tracking metering operations and performance.
type Metrics interface {
	// RecordDecision records the outcome of a write-path metering call.
	RecordDecision(outcome AttemptOutcome, anonymous bool)

	// RecordQuotaCheck records the duration of a read-only quota check.
	RecordQuotaCheck(duration time.Duration, err error)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "entitlement").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(name, state string)

	// RecordBillingDegraded records an entitlement lookup that fell back to free.
	RecordBillingDegraded()

	// RecordStoreUnavailable records a metering call that could not reach the store.
	RecordStoreUnavailable(operation string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(outcome AttemptOutcome, anonymous bool)                      {}
func (n *NoopMetrics) RecordQuotaCheck(duration time.Duration, err error)                         {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(name, state string)                         {}
func (n *NoopMetrics) RecordBillingDegraded()                                                     {}
func (n *NoopMetrics) RecordStoreUnavailable(operation string)                                    {}
