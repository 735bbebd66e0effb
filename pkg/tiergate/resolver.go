package tiergate

import (
	"context"
	"time"
)

// Feature flags gated by tier. Each tier's set is a strict superset of
// every lower tier's set; FeaturesForTier builds the cumulative slice so
// upgrades never lose a flag.
const (
	FeaturePortfolio      = "portfolio"
	FeaturePriceAlerts    = "price_alerts"
	FeatureMarketInsights = "market_insights"
	FeatureAdvancedCharts = "advanced_charts"
	FeatureAIInsights     = "ai_insights"
	FeatureAPIAccess      = "api_access"
	FeatureBulkExport     = "bulk_export"
)

var tierFeatures = map[Tier][]string{
	TierFree:    {FeaturePortfolio},
	TierBasic:   {FeaturePriceAlerts},
	TierPremium: {FeatureMarketInsights, FeatureAdvancedCharts},
	TierPro:     {FeatureAIInsights, FeatureAPIAccess, FeatureBulkExport},
}

var tierOrder = []Tier{TierFree, TierBasic, TierPremium, TierPro}

// FeaturesForTier returns the cumulative feature flags for a tier,
// including everything granted by lower tiers.
func FeaturesForTier(t Tier) []string {
	features := make([]string, 0, 8)
	for _, tier := range tierOrder {
		if tier.Weight() > t.Weight() {
			break
		}
		features = append(features, tierFeatures[tier]...)
	}
	return features
}

// TrialDaysRemaining returns ceil((trialEnd - now) / 1 day), floored at
// zero. A nil trialEnd means no trial and returns zero.
func TrialDaysRemaining(trialEnd *time.Time, now time.Time) int {
	if trialEnd == nil {
		return 0
	}
	remaining := trialEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// SelectLiveSubscription picks the single subscription that determines the
// processor-derived entitlement: the live one with the latest created_at,
// tie-broken by the higher tier. Returns nil when no subscription is live.
func SelectLiveSubscription(subs []*Subscription) *Subscription {
	var selected *Subscription
	for _, sub := range subs {
		if sub == nil || !sub.Status.Live() {
			continue
		}
		if selected == nil {
			selected = sub
			continue
		}
		if sub.CreatedAt.After(selected.CreatedAt) {
			selected = sub
		} else if sub.CreatedAt.Equal(selected.CreatedAt) && sub.Tier.Weight() > selected.Tier.Weight() {
			selected = sub
		}
	}
	return selected
}

// countLive returns how many subscriptions are live right now. More than
// one is the duplicate anomaly.
func countLive(subs []*Subscription) int {
	n := 0
	for _, sub := range subs {
		if sub != nil && sub.Status.Live() {
			n++
		}
	}
	return n
}

// ResolveSnapshot is the pure entitlement computation: given a user's
// stored fields, their subscription set and the current time it returns
// the effective tier, human status, trial days remaining and feature
// flags. It is deterministic and never fails; on inconsistent input it
// degrades to the most conservative resolvable tier instead of refusing.
func ResolveSnapshot(user *User, subs []*Subscription, now time.Time) *Snapshot {
	snap := &Snapshot{
		Tier:   TierFree,
		Status: "free",
	}

	selected := SelectLiveSubscription(subs)
	if selected != nil {
		tier := selected.Tier
		if !tier.Valid() {
			// Unknown stored tier: keep the user paying-but-gated at
			// the lowest paid tier rather than refusing the request.
			tier = TierBasic
		}
		snap.Tier = tier
		snap.Status = string(selected.Status)
		snap.SubscriptionID = selected.ID
		if selected.Status == StatusTrialing {
			snap.TrialDaysRemaining = TrialDaysRemaining(selected.TrialEnd, now)
		}
	} else if hasPastDue(subs) {
		// No entitlement, but surface the payment failure instead of a
		// plain "free".
		snap.Status = string(StatusPastDue)
	}

	// An unexpired admin override wins over the processor-derived tier.
	if user.OverrideActive(now) && user.OverrideTier.Valid() {
		snap.Tier = *user.OverrideTier
		snap.Override = true
	}

	snap.Features = FeaturesForTier(snap.Tier)
	return snap
}

func hasPastDue(subs []*Subscription) bool {
	for _, sub := range subs {
		if sub != nil && sub.Status == StatusPastDue {
			return true
		}
	}
	return false
}

// Resolve loads the user's current subscription set and computes the
// entitlement snapshot. It never fails a gated request on internal
// inconsistency: a missing user record resolves without override fields,
// and a duplicate live set is served via the tie-break rule and logged.
func (m *Manager) Resolve(ctx context.Context, userID string) (*Snapshot, error) {
	user, err := m.users.GetUser(ctx, userID)
	if err != nil {
		if err != ErrUserNotFound {
			m.logger.Warn("resolve: user record unreadable, resolving without override",
				Field{Key: "user_id", Value: userID},
				Field{Key: "error", Value: err.Error()})
		}
		user = &User{ID: userID}
	}

	subs, err := m.subs.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if n := countLive(subs); n > 1 {
		m.metrics.RecordInvariantViolation("duplicate_live_subscriptions")
		m.logger.Error("duplicate live subscriptions detected",
			Field{Key: "user_id", Value: userID},
			Field{Key: "live_count", Value: n})
	}

	return ResolveSnapshot(user, subs, m.clock()), nil
}
