package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/freequota/pkg/billing"
)

const subsystem = "subscriptions"

// Stage labels on the shared latency histogram.
const (
	stageWebhook = "webhook"
	stageSync    = "sync"
	stageAPI     = "provider_api"
)

// Buckets span 10ms up to Stripe's 30s webhook timeout.
var latencyBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics implements billing.Metrics using Prometheus. It tracks how the
// subscription table is kept in step with the billing provider.
type Metrics struct {
	deliveries  *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	syncs       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// NewMetrics registers the subscription sync metrics on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
	}

	return &Metrics{
		deliveries: factory.NewCounterVec(
			opts("webhook_deliveries_total", "Webhook deliveries by event type and handling result."),
			[]string{"provider", "event", "result"}),
		rejected: factory.NewCounterVec(
			opts("webhook_rejections_total", "Webhook deliveries that failed verification or handling."),
			[]string{"provider", "reason"}),
		syncs: factory.NewCounterVec(
			opts("syncs_total", "On-demand subscription refreshes from the provider API."),
			[]string{"provider", "result"}),
		transitions: factory.NewCounterVec(
			opts("status_transitions_total", "Subscription status transitions written to the store."),
			[]string{"provider", "from", "to"}),
		requests: factory.NewCounterVec(
			opts("provider_requests_total", "Outbound billing provider API requests."),
			[]string{"provider", "endpoint", "result"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      "Latency of subscription sync stages.",
			Buckets:   latencyBuckets,
		}, []string{"provider", "stage", "target"}),
	}
}

func (m *Metrics) observe(provider, stage, target string, d time.Duration) {
	m.latency.WithLabelValues(provider, stage, target).Observe(d.Seconds())
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.deliveries.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.observe(provider, stageWebhook, eventType, duration)
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.rejected.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.syncs.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSyncDuration(provider string, duration time.Duration) {
	m.observe(provider, stageSync, "", duration)
}

// RecordStatusChange ignores writes that leave the status unchanged.
func (m *Metrics) RecordStatusChange(provider, fromStatus, toStatus string) {
	if fromStatus == toStatus {
		return
	}
	m.transitions.WithLabelValues(provider, fromStatus, toStatus).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.requests.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.observe(provider, stageAPI, endpoint, duration)
}

// DefaultMetrics registers on the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
