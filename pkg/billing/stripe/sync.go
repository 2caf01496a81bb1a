package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/freequota/pkg/billing"
	"github.com/mihaimyh/freequota/pkg/freequota"
)

const syncEventType = "sync"

// syncUserFromAPI rebuilds a user's subscription row from the Stripe API
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (freequota.SubscriptionStatus, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) || errors.Is(err, billing.ErrCustomerNotFound) {
			return p.syncToFree(ctx, userID, startTime)
		}
		p.recordSync("error", startTime)
		return freequota.StatusFree, err
	}

	return p.syncCustomer(ctx, customerID, userID, startTime)
}

// syncCustomer picks the customer's best subscription and stores it
func (p *Provider) syncCustomer(
	ctx context.Context, customerID, userID string, startTime time.Time,
) (freequota.SubscriptionStatus, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subscriptions []*stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			p.recordSync("error", startTime)
			return freequota.StatusFree, fmt.Errorf("%w: failed to list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		if p.coversPrice(sub) {
			subscriptions = append(subscriptions, sub)
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))

	best := bestSubscription(subscriptions)
	if best == nil {
		return p.syncToFree(ctx, userID, startTime)
	}

	row := toSubscription(userID, best, p.now().UTC())
	if row.CustomerID == "" {
		row.CustomerID = customerID
	}
	if err := p.saveSubscription(ctx, row, syncEventType); err != nil {
		p.recordSync("error", startTime)
		return row.Status, err
	}

	p.recordSync("success", startTime)
	return row.Status, nil
}

// syncToFree stores a free row for a user Stripe knows nothing about
func (p *Provider) syncToFree(ctx context.Context, userID string, startTime time.Time) (freequota.SubscriptionStatus, error) {
	row := &freequota.Subscription{
		UserID:    userID,
		Status:    freequota.StatusFree,
		UpdatedAt: p.now().UTC(),
	}
	if err := p.saveSubscription(ctx, row, syncEventType); err != nil {
		p.recordSync("error", startTime)
		return freequota.StatusFree, err
	}
	p.recordSync("success", startTime)
	return freequota.StatusFree, nil
}

func (p *Provider) recordSync(status string, startTime time.Time) {
	p.metrics.RecordUserSync(providerName, status)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
}

// bestSubscription prefers subscriptions that grant access, then the most recently created
func bestSubscription(subscriptions []*stripe.Subscription) *stripe.Subscription {
	var best *stripe.Subscription
	for _, sub := range subscriptions {
		if sub == nil {
			continue
		}
		if best == nil {
			best = sub
			continue
		}
		subPaid, bestPaid := grantsAccess(MapStatus(sub.Status)), grantsAccess(MapStatus(best.Status))
		if subPaid != bestPaid {
			if subPaid {
				best = sub
			}
			continue
		}
		if sub.Created > best.Created {
			best = sub
		}
	}
	return best
}

// resolveCustomerID finds the Stripe customer of a user: the stored row
// first, then CustomerIDResolver, then the Stripe Search API.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if row, err := p.store.GetSubscription(ctx, userID); err == nil && row.CustomerID != "" {
		return row.CustomerID, nil
	}

	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
	}

	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
	return p.searchCustomerByMetadata(ctx, userID)
}

// searchCustomerByMetadata searches for a customer by metadata using Stripe Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", userIDMetadataKey, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: stripe search error: %v", billing.ErrProviderAPIError, err)
		}
		// Search can return partial matches
		if cust.Metadata[userIDMetadataKey] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrUserNotFound
}
