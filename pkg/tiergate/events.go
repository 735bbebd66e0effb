package tiergate

import "time"

// Event type names, normalized from the processor's webhook envelope.
const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventTrialWillEnd         = "subscription.trial_will_end"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventInvoicePaid          = "invoice.paid"
	EventSubscriptionDeleted  = "subscription.deleted"
)

// DomainEvent is the typed union of webhook payloads the state machine
// understands. The ingestion gateway validates and decodes the raw JSON
// envelope into exactly one variant; the state machine never touches
// untyped payload fields.
type DomainEvent interface {
	// SubscriptionID returns the processor subscription id the event
	// refers to.
	SubscriptionID() string
}

// SubscriptionCreated carries the full subscription object from a
// subscription.created payload.
type SubscriptionCreated struct {
	Subscription Subscription
}

func (e SubscriptionCreated) SubscriptionID() string { return e.Subscription.ID }

// SubscriptionUpdated carries the full subscription object from a
// subscription.updated payload.
type SubscriptionUpdated struct {
	Subscription Subscription
}

func (e SubscriptionUpdated) SubscriptionID() string { return e.Subscription.ID }

// TrialWillEnd is informational: the trial for the subscription ends at
// TrialEnd. It never mutates state.
type TrialWillEnd struct {
	ID       string
	TrialEnd time.Time
}

func (e TrialWillEnd) SubscriptionID() string { return e.ID }

// InvoicePaymentFailed marks the latest invoice for the subscription as
// failed.
type InvoicePaymentFailed struct {
	ID string
}

func (e InvoicePaymentFailed) SubscriptionID() string { return e.ID }

// InvoicePaid marks the latest invoice for the subscription as settled.
type InvoicePaid struct {
	ID string
}

func (e InvoicePaid) SubscriptionID() string { return e.ID }

// SubscriptionDeleted ends the subscription. canceled is terminal; a
// re-subscription arrives as a brand-new subscription id.
type SubscriptionDeleted struct {
	ID string
}

func (e SubscriptionDeleted) SubscriptionID() string { return e.ID }

// EventEnvelope is one verified, deduplicatable inbound event.
type EventEnvelope struct {
	// EventID is the processor-assigned globally unique id (dedup key).
	EventID string

	// Type is the raw event type string from the envelope.
	Type string

	// PayloadHash is a hex digest of the raw payload, stored for audit.
	PayloadHash string

	// OccurredAt is the emission timestamp embedded in the event. Events
	// older than the stored updated_at of their subscription are dropped
	// as stale.
	OccurredAt time.Time

	// Event is the decoded variant, nil for unknown event types. Unknown
	// types are acknowledged and logged without state mutation.
	Event DomainEvent
}
