package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

// Provider is the interface a payment backend implements.
// Its read side (GetSubscriptionStatus) is what the meter consults; the rest
// drives the upgrade flow and keeps the subscription table current.
type Provider interface {
	freequota.BillingProvider

	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// Verified events are written to the subscription table.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's subscription from the
	// provider into the subscription table. Used for "restore purchase" and
	// reconciliation jobs. Returns the stored status.
	SyncUser(ctx context.Context, userID string) (freequota.SubscriptionStatus, error)

	// CheckoutURL starts a hosted checkout for the paid plan and returns its URL
	CheckoutURL(ctx context.Context, userID, successURL, cancelURL string) (string, error)

	// PortalURL returns a self-service billing portal URL for the user
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)

	// CancelSubscription cancels the user's subscription at the end of the
	// current period. Access stays unlimited until then.
	CancelSubscription(ctx context.Context, userID string) error
}
