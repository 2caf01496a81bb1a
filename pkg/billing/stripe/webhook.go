package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/freequota/pkg/billing"
	"github.com/mihaimyh/freequota/pkg/billing/internal"
	"github.com/mihaimyh/freequota/pkg/freequota"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.logger.Warn("stripe webhook rejected", freequota.Field{Key: "error", Value: err})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		switch {
		case errors.Is(err, billing.ErrUserNotFound):
			// Retrying cannot fix a subscription that names no user
			p.logger.Warn("stripe webhook ignored",
				freequota.Field{Key: "event_id", Value: event.ID},
				freequota.Field{Key: "event_type", Value: eventType},
				freequota.Field{Key: "error", Value: err})
			p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
			w.WriteHeader(http.StatusOK)
		case errors.Is(err, billing.ErrInvalidWebhookPayload):
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookEvent(providerName, eventType, "error")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		default:
			p.logger.Error("stripe webhook processing failed",
				freequota.Field{Key: "event_id", Value: event.ID},
				freequota.Field{Key: "event_type", Value: eventType},
				freequota.Field{Key: "error", Value: err})
			http.Error(w, "failed to process webhook", http.StatusInternalServerError)
			p.metrics.RecordWebhookEvent(providerName, eventType, "error")
			p.metrics.RecordWebhookError(providerName, "processing_error")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent applies a verified event to the subscription table.
// Events older than the stored row are skipped.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTimestamp := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return p.handleSubscriptionEvent(ctx, event, eventTimestamp)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event, eventTimestamp)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(event)
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event, eventTimestamp)
	default:
		return nil
	}
}

func (p *Provider) handleSubscriptionEvent(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	if event.Data == nil {
		return fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return p.applySubscription(ctx, &subscription, "", string(event.Type), eventTimestamp)
}

// handleInvoicePaymentSucceeded refreshes the period end after a renewal
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	if event.Data == nil {
		return fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	subscriptionID, err := invoiceSubscriptionID(event.Data.Raw)
	if err != nil {
		return err
	}
	if subscriptionID == "" {
		// One-off invoice
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to fetch subscription: %v", billing.ErrProviderAPIError, err)
	}
	return p.applySubscription(ctx, sub, "", string(event.Type), eventTimestamp)
}

// handleInvoicePaymentFailed leaves the row alone; Stripe follows up with a
// customer.subscription.updated carrying past_due.
func (p *Provider) handleInvoicePaymentFailed(event *stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	p.logger.Warn("stripe invoice payment failed",
		freequota.Field{Key: "invoice_id", Value: invoice.ID},
		freequota.Field{Key: "customer_id", Value: customerID})
	p.metrics.RecordWebhookEvent(providerName, string(event.Type), "warning")
	return nil
}

// handleCheckoutSessionCompleted stores the new subscription right away and
// stamps user_id onto its metadata so later events resolve the user.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event, eventTimestamp time.Time) error {
	if event.Data == nil {
		return fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	userID := session.Metadata[userIDMetadataKey]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return fmt.Errorf("%w: no user on checkout session %s", billing.ErrUserNotFound, session.ID)
	}

	if session.Subscription == nil || session.Subscription.ID == "" {
		// Not a subscription checkout
		return nil
	}
	subscriptionID := session.Subscription.ID

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to fetch subscription: %v", billing.ErrProviderAPIError, err)
	}

	if sub.Metadata[userIDMetadataKey] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata(userIDMetadataKey, userID)
		sub, err = p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params)
		if err != nil {
			return fmt.Errorf("%w: failed to patch subscription metadata: %v", billing.ErrProviderAPIError, err)
		}
	}

	return p.applySubscription(ctx, sub, userID, string(event.Type), eventTimestamp)
}

// applySubscription converts a Stripe subscription into a row and stores it.
// userID overrides metadata lookup when the caller already knows the user.
func (p *Provider) applySubscription(
	ctx context.Context, sub *stripe.Subscription, userID, eventType string, eventTimestamp time.Time,
) error {
	if !p.coversPrice(sub) {
		p.logger.Debug("stripe subscription for another price ignored",
			freequota.Field{Key: "subscription_id", Value: sub.ID})
		return nil
	}

	if userID == "" {
		var err error
		userID, err = p.extractUserIDFromSubscription(ctx, sub)
		if err != nil {
			return err
		}
	}

	return p.saveSubscription(ctx, toSubscription(userID, sub, eventTimestamp), eventType)
}

// saveSubscription writes row unless the stored row is newer, then notifies listeners.
// A non-paying update for one subscription does not replace another that still grants access.
func (p *Provider) saveSubscription(ctx context.Context, row *freequota.Subscription, eventType string) error {
	existing, err := p.store.GetSubscription(ctx, row.UserID)
	if err != nil && !errors.Is(err, freequota.ErrSubscriptionNotFound) {
		return err
	}

	previous := freequota.StatusFree
	if existing != nil {
		if row.UpdatedAt.Before(existing.UpdatedAt) {
			return nil
		}
		if existing.SubscriptionID != "" && row.SubscriptionID != "" &&
			existing.SubscriptionID != row.SubscriptionID &&
			grantsAccess(existing.Status) && !grantsAccess(row.Status) {
			return nil
		}
		previous = existing.Status
	}

	if err := p.store.SetSubscription(ctx, row); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}

	if previous != row.Status {
		p.metrics.RecordStatusChange(providerName, string(previous), string(row.Status))
	}
	p.logger.Info("subscription stored",
		freequota.Field{Key: "user_id", Value: row.UserID},
		freequota.Field{Key: "status", Value: string(row.Status)},
		freequota.Field{Key: "previous_status", Value: string(previous)},
		freequota.Field{Key: "event_type", Value: eventType})

	if p.config.OnSubscriptionChange != nil {
		p.config.OnSubscriptionChange(ctx, billing.WebhookEvent{
			UserID:         row.UserID,
			PreviousStatus: previous,
			NewStatus:      row.Status,
			Provider:       providerName,
			EventType:      eventType,
			EventTimestamp: row.UpdatedAt,
			PeriodEnd:      row.PeriodEnd,
			Metadata: map[string]string{
				"subscription_id": row.SubscriptionID,
				"customer_id":     row.CustomerID,
				"price_id":        row.PriceID,
			},
		})
	}
	return nil
}

// extractUserIDFromSubscription extracts user_id from subscription or customer metadata
func (p *Provider) extractUserIDFromSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if userID := sub.Metadata[userIDMetadataKey]; userID != "" {
		return userID, nil
	}

	if sub.Customer != nil && sub.Customer.ID != "" {
		if userID := sub.Customer.Metadata[userIDMetadataKey]; userID != "" {
			return userID, nil
		}
		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
		if err == nil && cust.Metadata[userIDMetadataKey] != "" {
			return cust.Metadata[userIDMetadataKey], nil
		}
	}

	return "", fmt.Errorf("%w: metadata.user_id missing on subscription %s", billing.ErrUserNotFound, sub.ID)
}

func (p *Provider) coversPrice(sub *stripe.Subscription) bool {
	if p.priceID == "" {
		return true
	}
	if sub.Items == nil {
		return false
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID == p.priceID {
			return true
		}
	}
	return false
}

func toSubscription(userID string, sub *stripe.Subscription, updatedAt time.Time) *freequota.Subscription {
	row := &freequota.Subscription{
		UserID:            userID,
		Status:            MapStatus(sub.Status),
		PeriodEnd:         periodEnd(sub),
		SubscriptionID:    sub.ID,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		UpdatedAt:         updatedAt,
	}
	if sub.Customer != nil {
		row.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil {
				row.PriceID = item.Price.ID
				break
			}
		}
	}
	return row
}

// periodEnd is the latest current_period_end over the subscription items,
// falling back to the trial end.
func periodEnd(sub *stripe.Subscription) time.Time {
	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	if end == 0 {
		end = sub.TrialEnd
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

// invoiceSubscriptionID reads the subscription id off an invoice payload. It
// sits at parent.subscription_details.subscription on current API versions and
// at the top-level subscription field on older ones.
func invoiceSubscriptionID(raw json.RawMessage) (string, error) {
	var payload struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	if payload.Parent != nil && payload.Parent.SubscriptionDetails != nil {
		if id := expandableID(payload.Parent.SubscriptionDetails.Subscription); id != "" {
			return id, nil
		}
	}
	return expandableID(payload.Subscription), nil
}

// expandableID returns the id of a field that is either an id string or an expanded object
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func grantsAccess(status freequota.SubscriptionStatus) bool {
	return status == freequota.StatusActive || status == freequota.StatusTrialing
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
