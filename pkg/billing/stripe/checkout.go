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

// CheckoutURL creates a Stripe Checkout Session for the unlimited plan and returns the URL
func (p *Provider) CheckoutURL(ctx context.Context, userID, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	if p.priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "price_not_configured")
		return "", billing.ErrPriceNotConfigured
	}
	if userID == "" {
		return "", fmt.Errorf("%w: checkout requires a user id", freequota.ErrInvalidIdentity)
	}

	// Only "not found" is tolerated; any other failure would risk a duplicate customer.
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) && !errors.Is(err, billing.ErrUserNotFound) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.AddMetadata(userIDMetadataKey, userID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(userIDMetadataKey, userID)

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(userID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("%w: failed to create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
		return "", fmt.Errorf("%w: failed to create portal session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))

	return session.URL, nil
}

// CancelSubscription sets cancel_at_period_end on the user's subscription and
// stores the result. The row keeps its status until Stripe ends the period.
func (p *Provider) CancelSubscription(ctx context.Context, userID string) error {
	startTime := time.Now()

	row, err := p.store.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, freequota.ErrSubscriptionNotFound) {
			return billing.ErrNoSubscription
		}
		return err
	}
	if row.SubscriptionID == "" || !grantsAccess(row.Status) {
		return billing.ErrNoSubscription
	}
	if row.CancelAtPeriodEnd {
		return nil
	}

	params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(true)}
	sub, err := p.stripeClient.V1Subscriptions.Update(ctx, row.SubscriptionID, params)
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/update", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/update", "error")
		return fmt.Errorf("%w: failed to cancel subscription: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/update", "success")

	updated := toSubscription(userID, sub, p.now().UTC())
	if updated.CustomerID == "" {
		updated.CustomerID = row.CustomerID
	}
	return p.saveSubscription(ctx, updated, "cancel")
}
