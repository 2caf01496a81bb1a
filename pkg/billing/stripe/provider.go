package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/freequota/pkg/billing"
	"github.com/mihaimyh/freequota/pkg/billing/internal"
	"github.com/mihaimyh/freequota/pkg/freequota"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
	userIDMetadataKey        = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// CustomerIDResolver is an optional fast path from user id to Stripe
	// customer id. The stored subscription row is consulted first; the Stripe
	// Search API is the last resort.
	CustomerIDResolver func(context.Context, string) (string, error)

	// APIBaseURL overrides the Stripe API endpoint (used against stripe-mock or in tests)
	APIBaseURL string

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Provider implements billing.Provider for Stripe subscriptions
type Provider struct {
	store              freequota.SubscriptionStorage
	config             Config
	rateLimiter        *internal.RateLimiter
	webhookSecret      string
	priceID            string
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             freequota.Logger
	now                func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Storage == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	backendConfig := &stripe.BackendConfig{HTTPClient: httpClient}
	if config.APIBaseURL != "" {
		backendConfig.URL = stripe.String(config.APIBaseURL)
		backendConfig.MaxNetworkRetries = stripe.Int64(0)
	}
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &freequota.NoopLogger{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		store:              config.Storage,
		config:             config,
		rateLimiter:        internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow, config.TrustProxyHeaders),
		webhookSecret:      strings.TrimSpace(config.WebhookSecret),
		priceID:            strings.TrimSpace(config.PriceID),
		stripeClient:       stripeClient,
		customerIDResolver: config.CustomerIDResolver,
		metrics:            metrics,
		logger:             logger,
		now:                now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// GetSubscriptionStatus reads the user's subscription from the webhook-maintained table
func (p *Provider) GetSubscriptionStatus(ctx context.Context, userID string) (*freequota.Subscription, error) {
	return p.store.GetSubscription(ctx, userID)
}

// SyncUser synchronizes a user's subscription from the Stripe API
func (p *Provider) SyncUser(ctx context.Context, userID string) (freequota.SubscriptionStatus, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// MapStatus maps a Stripe subscription status to the stored status.
// incomplete and paused subscriptions have not paid for access and map to free.
func MapStatus(status stripe.SubscriptionStatus) freequota.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return freequota.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return freequota.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return freequota.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return freequota.StatusCanceled
	default:
		return freequota.StatusFree
	}
}
