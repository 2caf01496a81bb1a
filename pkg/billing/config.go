package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Storage is the subscription table webhooks write to and status reads come from
	Storage freequota.SubscriptionStorage

	// WebhookSecret is used to verify incoming webhook signatures
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	APIKey string

	// PriceID is the provider price of the paid unlimited plan
	PriceID string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// TrustProxyHeaders makes the webhook rate limiter key on forwarded client IPs
	TrustProxyHeaders bool

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger freequota.Logger

	// OnSubscriptionChange is called after a webhook or sync changed a user's
	// stored subscription. The server uses it to drop cached entitlements.
	OnSubscriptionChange func(ctx context.Context, event WebhookEvent)
}
