package freequota

import "context"

// BillingProvider is the read side of the billing integration the meter depends on.
type BillingProvider interface {
	// GetSubscriptionStatus returns the user's current subscription.
	// ErrSubscriptionNotFound means the user never subscribed and is free.
	GetSubscriptionStatus(ctx context.Context, userID string) (*Subscription, error)
}

// StoredBilling serves subscription status straight from the subscription table.
// It is the provider used when no payment integration is configured.
type StoredBilling struct {
	Store SubscriptionStorage
}

func (b StoredBilling) GetSubscriptionStatus(ctx context.Context, userID string) (*Subscription, error) {
	return b.Store.GetSubscription(ctx, userID)
}
