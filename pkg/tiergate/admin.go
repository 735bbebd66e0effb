package tiergate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// ChangeTier sets the DB-only admin tier override for a user. It never
// touches the processor or any subscription row, which makes it an
// intentionally asymmetric escape hatch: it can mask real billing state,
// so it is logged loudly and refused (with a warning, not an error) when
// it would silently hide a past_due subscription and confirm is false.
func (m *Manager) ChangeTier(ctx context.Context, userID string, tier Tier, confirm bool) (*ChangeTierResult, error) {
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	user, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	subs, err := m.subs.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if hasPastDue(subs) && !confirm {
		return &ChangeTierResult{
			Applied: false,
			Message: fmt.Sprintf("tier for %s not changed", userID),
			Warning: "user has a past_due subscription; overriding the tier would mask the payment failure. Re-run with the confirmation flag to proceed.",
		}, nil
	}

	user.OverrideTier = &tier
	user.OverrideExpiresAt = nil
	if err := m.users.SaveUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to save tier override: %w", err)
	}

	m.metrics.RecordAdminAction("change_tier")
	m.logger.Warn("db-only tier override applied",
		Field{Key: "user_id", Value: userID},
		Field{Key: "tier", Value: string(tier)},
		Field{Key: "confirmed", Value: confirm})

	return &ChangeTierResult{
		Applied: true,
		Message: fmt.Sprintf("tier for %s overridden to %s (DB only, processor untouched)", userID, tier),
	}, nil
}

// GrantTrial creates a synthetic, processor-absent trialing subscription
// for a user with no live subscription. If the user later subscribes
// through the processor normally, the newer processor-backed row wins the
// latest-created_at selection and the synthetic row is healed away on the
// next reconciliation.
func (m *Manager) GrantTrial(ctx context.Context, userID string, days int) (string, error) {
	if days <= 0 {
		return "", fmt.Errorf("trial days must be positive")
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	user, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}

	subs, err := m.subs.ListSubscriptions(ctx, userID)
	if err != nil {
		return "", err
	}
	if live := SelectLiveSubscription(subs); live != nil {
		return fmt.Sprintf("user %s already has a live subscription (%s), no trial granted", userID, live.ID), nil
	}

	now := m.clock()
	trialEnd := now.Add(time.Duration(days) * 24 * time.Hour)
	sub := &Subscription{
		ID:        syntheticSubscriptionID(),
		UserID:    user.ID,
		Status:    StatusTrialing,
		Tier:      TierPremium,
		TrialEnd:  &trialEnd,
		Synthetic: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.subs.UpsertSubscription(ctx, sub); err != nil {
		return "", fmt.Errorf("failed to create trial subscription: %w", err)
	}

	m.metrics.RecordAdminAction("grant_trial")
	m.logger.Info("trial granted",
		Field{Key: "user_id", Value: userID},
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "days", Value: days})

	return fmt.Sprintf("granted %d-day trial to %s (subscription %s)", days, userID, sub.ID), nil
}

// CancelSubscription cancels one of the user's subscriptions. The
// processor is called first; local state changes only after it confirms.
// With immediately false the subscription keeps serving until the period
// end and the final canceled status arrives via the subscription.deleted
// webhook.
func (m *Manager) CancelSubscription(ctx context.Context, userID, subID string, immediately bool) (string, error) {
	unlock := m.locks.lock(userID)
	defer unlock()

	sub, err := m.subs.GetSubscription(ctx, subID)
	if err != nil {
		return "", err
	}
	if sub.UserID != userID {
		return "", ErrSubscriptionNotFound
	}
	if sub.Status.Terminal() {
		return fmt.Sprintf("subscription %s is already canceled", subID), nil
	}

	if !sub.Synthetic {
		if m.processor == nil {
			return "", fmt.Errorf("cancel %s: no processor configured: %w", subID, ErrUpstreamUnavailable)
		}
		if err := m.processor.CancelSubscription(ctx, subID, immediately); err != nil {
			return "", fmt.Errorf("cancel %s: %w: %v", subID, ErrUpstreamUnavailable, err)
		}
	}

	for attempt := 0; attempt < m.casRetries; attempt++ {
		next := *sub
		if immediately || sub.Synthetic {
			next.Status = StatusCanceled
			next.CancelAtPeriodEnd = false
		} else {
			next.CancelAtPeriodEnd = true
		}
		next.UpdatedAt = m.clock()

		err = m.subs.UpdateSubscription(ctx, &next)
		if err == nil {
			m.metrics.RecordAdminAction("cancel")
			m.logger.Info("subscription canceled by admin",
				Field{Key: "user_id", Value: userID},
				Field{Key: "subscription_id", Value: subID},
				Field{Key: "immediately", Value: immediately})
			if immediately || sub.Synthetic {
				return fmt.Sprintf("subscription %s canceled immediately", subID), nil
			}
			return fmt.Sprintf("subscription %s will cancel at period end", subID), nil
		}
		if err != ErrVersionConflict {
			return "", fmt.Errorf("failed to update subscription %s: %w", subID, err)
		}
		sub, err = m.subs.GetSubscription(ctx, subID)
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("canceling subscription %s: %w", subID, ErrConcurrentModification)
}

func syntheticSubscriptionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("sub_local_%d", time.Now().UnixNano())
	}
	return "sub_local_" + hex.EncodeToString(buf)
}
