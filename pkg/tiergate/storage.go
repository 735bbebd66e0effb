package tiergate

import "context"

// UserStore persists the subscription-related fields of User aggregates.
type UserStore interface {
	// GetUser retrieves a user by id.
	// Returns ErrUserNotFound when no record exists.
	GetUser(ctx context.Context, userID string) (*User, error)

	// SaveUser upserts a user record.
	SaveUser(ctx context.Context, user *User) error
}

// SubscriptionStore persists Subscription aggregates with optimistic
// versioning. Implementations must never hard-delete rows.
type SubscriptionStore interface {
	// GetSubscription retrieves a subscription by processor id.
	// Returns ErrSubscriptionNotFound when no row exists.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// ListSubscriptions returns all subscriptions for a user, in no
	// particular order.
	ListSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)

	// UpsertSubscription inserts or overwrites a row. The processor is
	// authoritative for status/tier/period fields on conflict; the
	// stored Version is bumped, not taken from sub.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription writes sub only if the stored Version still
	// equals sub.Version, then bumps it. Returns ErrVersionConflict when
	// the compare-and-swap loses, ErrSubscriptionNotFound when the row
	// is missing.
	UpdateSubscription(ctx context.Context, sub *Subscription) error
}

// EventStore is the append-only, idempotent log of inbound processor
// events, keyed by processor event id.
type EventStore interface {
	// InsertEvent records a new event. Returns ErrEventExists when the
	// event id was already recorded.
	InsertEvent(ctx context.Context, ev *WebhookEvent) error

	// GetEvent retrieves an event by id.
	// Returns ErrEventNotFound when no record exists.
	GetEvent(ctx context.Context, eventID string) (*WebhookEvent, error)

	// MarkProcessed sets processed_at for an event id. Called only after
	// the corresponding state transition committed.
	MarkProcessed(ctx context.Context, eventID string) error

	// ListRecent returns up to limit events, newest first.
	ListRecent(ctx context.Context, limit int) ([]*WebhookEvent, error)
}

// Processor is the outbound contract to the payment processor.
// Implementations own transport, auth, timeouts and transient-failure
// retries; callers treat any returned error as upstream unavailability.
type Processor interface {
	// ListSubscriptions returns all subscriptions for a processor
	// customer reference.
	ListSubscriptions(ctx context.Context, customerRef string) ([]*Subscription, error)

	// GetSubscription fetches one subscription by processor id.
	// Returns ErrSubscriptionNotFound when the processor has no such id.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// CancelSubscription cancels a subscription. With immediately set the
	// subscription ends now; otherwise it runs until the period end.
	CancelSubscription(ctx context.Context, id string, immediately bool) error
}

// TrialNotifier receives trial_will_end signals for the notification
// collaborator. Implementations must not block.
type TrialNotifier interface {
	TrialWillEnd(ctx context.Context, sub *Subscription)
}
