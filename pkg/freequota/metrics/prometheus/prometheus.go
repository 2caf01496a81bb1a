package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

// Metrics implements freequota.Metrics using Prometheus.
type Metrics struct {
	decisionsTotal             *prometheus.CounterVec
	quotaCheckDuration         *prometheus.HistogramVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	billingDegradedTotal       prometheus.Counter
	storeUnavailableTotal      *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metering_decisions_total",
			Help:      "Total number of write-path metering decisions by outcome.",
		}, []string{"outcome", "anonymous"}),

		quotaCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_check_duration_seconds",
			Help:      "Latency of read-only quota checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"success"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"breaker", "state"}),

		billingDegradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_degraded_total",
			Help:      "Total number of entitlement lookups that fell back to the free tier.",
		}),

		storeUnavailableTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_unavailable_total",
			Help:      "Total number of metering calls that could not reach the usage store.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordDecision(outcome freequota.AttemptOutcome, anonymous bool) {
	m.decisionsTotal.WithLabelValues(string(outcome), strconv.FormatBool(anonymous)).Inc()
}

func (m *Metrics) RecordQuotaCheck(duration time.Duration, err error) {
	m.quotaCheckDuration.WithLabelValues(strconv.FormatBool(err == nil)).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(name, state string) {
	m.circuitBreakerStateChanges.WithLabelValues(name, state).Inc()
}

func (m *Metrics) RecordBillingDegraded() {
	m.billingDegradedTotal.Inc()
}

func (m *Metrics) RecordStoreUnavailable(operation string) {
	m.storeUnavailableTotal.WithLabelValues(operation).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
