package tiergate

import "time"

// Tier is an ordered subscription level. Higher weight unlocks a superset
// of the features of every lower tier.
type Tier string

const (
	// TierFree is the resolver default for users with no live subscription.
	TierFree Tier = "free"
	// TierBasic is the entry-level paid tier.
	TierBasic Tier = "basic"
	// TierPremium is the mid paid tier.
	TierPremium Tier = "premium"
	// TierPro is the top paid tier.
	TierPro Tier = "pro"
)

var tierWeights = map[Tier]int{
	TierFree:    0,
	TierBasic:   10,
	TierPremium: 20,
	TierPro:     30,
}

// Weight returns the ordering weight for the tier. Unknown tiers weigh -1
// so they always lose comparisons against known tiers.
func (t Tier) Weight() int {
	if w, ok := tierWeights[t]; ok {
		return w
	}
	return -1
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierWeights[t]
	return ok
}

// ParseTier converts a string into a Tier.
// Returns ErrInvalidTier for unknown values.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", ErrInvalidTier
	}
	return t, nil
}

// Status is the lifecycle state of a subscription, mirrored from the
// payment processor.
type Status string

const (
	// StatusIncomplete means checkout started but the first payment has not settled.
	StatusIncomplete Status = "incomplete"
	// StatusTrialing means the subscription is in its trial window.
	StatusTrialing Status = "trialing"
	// StatusActive means the subscription is paid up.
	StatusActive Status = "active"
	// StatusPastDue means the latest invoice payment failed.
	StatusPastDue Status = "past_due"
	// StatusCanceled is terminal. Re-subscribing creates a new subscription id.
	StatusCanceled Status = "canceled"
)

// Live reports whether the status grants entitlement right now.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusTrialing
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

// Subscription mirrors one processor-side subscription object locally.
// Rows are never hard-deleted; canceled rows are retained for audit.
type Subscription struct {
	// ID is the processor-assigned subscription id.
	ID     string
	UserID string
	Status Status
	Tier   Tier

	CurrentPeriodEnd  time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool

	// Synthetic marks an admin-granted row that has no processor
	// counterpart. Synthetic rows are healed locally, never via the
	// processor API.
	Synthetic bool

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the optimistic lock counter, bumped on every update.
	Version int64
}

// User carries only the subscription-related fields this package owns.
// Identity, email verification and session handling live elsewhere.
type User struct {
	ID      string
	Email   string
	IsAdmin bool

	// CustomerRef is the processor customer reference, empty until the
	// user's first checkout.
	CustomerRef string

	// OverrideTier and OverrideExpiresAt are the admin escape hatch.
	// An unexpired override wins over any processor-derived tier.
	OverrideTier      *Tier
	OverrideExpiresAt *time.Time
}

// OverrideActive reports whether the admin tier override applies at now.
func (u *User) OverrideActive(now time.Time) bool {
	if u == nil || u.OverrideTier == nil {
		return false
	}
	if u.OverrideExpiresAt != nil && !u.OverrideExpiresAt.After(now) {
		return false
	}
	return true
}

// WebhookEvent is one append-only row in the inbound event log.
// EventID is the processor-assigned id and the dedup key.
type WebhookEvent struct {
	EventID     string
	Type        string
	ReceivedAt  time.Time
	PayloadHash string
	ProcessedAt *time.Time
}

// Snapshot is the effective entitlement for a user at a point in time.
// It is computed on demand and never persisted.
type Snapshot struct {
	Tier               Tier
	Status             string
	TrialDaysRemaining int
	Features           []string

	// SubscriptionID is the processor id of the selected live
	// subscription, empty when the tier comes from an override or the
	// free default.
	SubscriptionID string

	// Override is set when an admin override determined the tier.
	Override bool
}

// HasFeature reports whether the snapshot grants the given feature flag.
func (s *Snapshot) HasFeature(flag string) bool {
	for _, f := range s.Features {
		if f == flag {
			return true
		}
	}
	return false
}

// Report summarizes one reconciliation run for a user.
type Report struct {
	Synced           bool
	Changes          []string
	DuplicatesFound  int
	DuplicatesHealed int
}

// ChangeTierResult is returned by the admin tier override.
// Warning is set instead of an error when the change would mask a
// past_due processor-side subscription and no confirmation was given.
type ChangeTierResult struct {
	Applied bool
	Message string
	Warning string
}
