package billing

import (
	"time"

	"github.com/mihaimyh/freequota/pkg/freequota"
)

// WebhookEvent describes a subscription change that has been written to the
// subscription table. It is passed to Config.OnSubscriptionChange.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// PreviousStatus is the stored status before the update (StatusFree for a new user)
	PreviousStatus freequota.SubscriptionStatus

	// NewStatus is the stored status after the update
	NewStatus freequota.SubscriptionStatus

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type, or "sync" for SyncUser
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// PeriodEnd is the end of the paid period (zero when unknown)
	PeriodEnd time.Time

	// Metadata contains provider-specific additional data
	Metadata map[string]string
}
