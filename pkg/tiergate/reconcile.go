package tiergate

import (
	"context"
	"fmt"
	"sort"
)

// Reconcile resolves drift between local state and the processor for one
// user: the processor's subscription list is fetched first (no local
// change happens if it is unreachable), every remote row is upserted with
// the processor authoritative for status/tier/period fields, and any
// duplicate live subscriptions are healed. Safe to cancel between steps;
// a row is only marked canceled locally after the processor confirmed the
// cancellation.
func (m *Manager) Reconcile(ctx context.Context, userID string) (*Report, error) {
	user, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var remote []*Subscription
	if user.CustomerRef != "" {
		if m.processor == nil {
			return nil, fmt.Errorf("reconcile %s: no processor configured: %w", userID, ErrUpstreamUnavailable)
		}
		remote, err = m.processor.ListSubscriptions(ctx, user.CustomerRef)
		if err != nil {
			m.metrics.RecordReconciliation("error")
			return nil, fmt.Errorf("reconcile %s: %w: %v", userID, ErrUpstreamUnavailable, err)
		}
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	report := &Report{Synced: true}

	for _, rsub := range remote {
		if err := ctx.Err(); err != nil {
			m.metrics.RecordReconciliation("error")
			return nil, err
		}
		change, err := m.upsertRemote(ctx, userID, rsub)
		if err != nil {
			m.metrics.RecordReconciliation("error")
			return nil, err
		}
		if change != "" {
			report.Changes = append(report.Changes, change)
		}
	}

	if err := m.healLocked(ctx, userID, report); err != nil {
		m.metrics.RecordReconciliation("error")
		return report, err
	}

	m.metrics.RecordReconciliation("success")
	return report, nil
}

// CleanupDuplicates forces the duplicate-healing pass alone, without
// pulling fresh state from the processor first.
func (m *Manager) CleanupDuplicates(ctx context.Context, userID string) (*Report, error) {
	if _, err := m.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	report := &Report{Synced: true}
	if err := m.healLocked(ctx, userID, report); err != nil {
		return report, err
	}
	return report, nil
}

// upsertRemote mirrors one processor subscription locally and returns a
// human-readable change description, or "" when nothing changed.
func (m *Manager) upsertRemote(ctx context.Context, userID string, rsub *Subscription) (string, error) {
	row := *rsub
	row.UserID = userID
	row.Synthetic = false

	local, err := m.subs.GetSubscription(ctx, row.ID)
	if err == ErrSubscriptionNotFound {
		row.UpdatedAt = m.clock()
		if err := m.subs.UpsertSubscription(ctx, &row); err != nil {
			return "", fmt.Errorf("failed to mirror subscription %s: %w", row.ID, err)
		}
		return fmt.Sprintf("created %s (%s/%s)", row.ID, row.Status, row.Tier), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load subscription %s: %w", row.ID, err)
	}

	if local.Status == row.Status && local.Tier == row.Tier &&
		local.CurrentPeriodEnd.Equal(row.CurrentPeriodEnd) &&
		local.CancelAtPeriodEnd == row.CancelAtPeriodEnd {
		return "", nil
	}

	row.CreatedAt = local.CreatedAt
	row.UpdatedAt = m.clock()
	if err := m.subs.UpsertSubscription(ctx, &row); err != nil {
		return "", fmt.Errorf("failed to mirror subscription %s: %w", row.ID, err)
	}
	return fmt.Sprintf("updated %s: %s/%s -> %s/%s", row.ID, local.Status, local.Tier, row.Status, row.Tier), nil
}

// healLocked detects and heals the duplicate-subscription anomaly: more
// than one live subscription for the user. The one with the latest
// created_at is kept; every other live row is canceled at the processor
// with immediate semantics and only marked canceled locally after the
// processor confirms. Synthetic rows have no processor counterpart and
// are canceled locally.
func (m *Manager) healLocked(ctx context.Context, userID string, report *Report) error {
	subs, err := m.subs.ListSubscriptions(ctx, userID)
	if err != nil {
		return err
	}

	live := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.Status.Live() {
			live = append(live, sub)
		}
	}
	if len(live) <= 1 {
		return nil
	}

	report.DuplicatesFound = len(live) - 1
	m.metrics.RecordInvariantViolation("duplicate_live_subscriptions")
	m.logger.Warn("healing duplicate live subscriptions",
		Field{Key: "user_id", Value: userID},
		Field{Key: "live_count", Value: len(live)})

	// Keep the newest; tie-break on the higher tier.
	sort.Slice(live, func(i, j int) bool {
		if !live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].CreatedAt.After(live[j].CreatedAt)
		}
		return live[i].Tier.Weight() > live[j].Tier.Weight()
	})

	var firstErr error
	for _, sub := range live[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !sub.Synthetic {
			if m.processor == nil {
				firstErr = fmt.Errorf("cannot heal %s: no processor configured: %w", sub.ID, ErrUpstreamUnavailable)
				continue
			}
			if err := m.processor.CancelSubscription(ctx, sub.ID, true); err != nil {
				// Never mark canceled before the processor confirmed;
				// leave the row live and let the next run retry.
				m.logger.Error("duplicate cancellation failed upstream",
					Field{Key: "subscription_id", Value: sub.ID},
					Field{Key: "error", Value: err.Error()})
				if firstErr == nil {
					firstErr = fmt.Errorf("healing %s: %w: %v", sub.ID, ErrUpstreamUnavailable, err)
				}
				continue
			}
		}

		if err := m.markCanceled(ctx, sub.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		report.DuplicatesHealed++
		report.Changes = append(report.Changes, fmt.Sprintf("healed duplicate %s", sub.ID))
	}

	m.metrics.RecordDuplicatesHealed(report.DuplicatesHealed)
	return firstErr
}

func (m *Manager) markCanceled(ctx context.Context, subID string) error {
	for attempt := 0; attempt < m.casRetries; attempt++ {
		sub, err := m.subs.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status.Terminal() {
			return nil
		}
		next := *sub
		next.Status = StatusCanceled
		next.CancelAtPeriodEnd = false
		next.UpdatedAt = m.clock()

		err = m.subs.UpdateSubscription(ctx, &next)
		if err == nil {
			return nil
		}
		if err != ErrVersionConflict {
			return err
		}
	}
	return fmt.Errorf("canceling subscription %s: %w", subID, ErrConcurrentModification)
}
