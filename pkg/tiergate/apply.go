package tiergate

import (
	"context"
	"fmt"
)

// ProcessEvent applies one verified webhook event to the matching
// subscription aggregate, idempotently. The event is recorded in the
// append-only event log before any state mutation; processed_at is set
// only after the transition commits, so a partial failure is safely
// retried on the processor's next delivery.
func (m *Manager) ProcessEvent(ctx context.Context, env *EventEnvelope) error {
	if env == nil || env.EventID == "" {
		return fmt.Errorf("event envelope missing id")
	}

	stored, err := m.events.GetEvent(ctx, env.EventID)
	if err != nil && err != ErrEventNotFound {
		return fmt.Errorf("failed to read event log: %w", err)
	}
	if stored != nil && stored.ProcessedAt != nil {
		// At-least-once redelivery: already applied, acknowledge.
		m.metrics.RecordEventApplied(env.Type, "noop")
		return nil
	}
	if stored == nil {
		record := &WebhookEvent{
			EventID:     env.EventID,
			Type:        env.Type,
			ReceivedAt:  m.clock(),
			PayloadHash: env.PayloadHash,
		}
		if err := m.events.InsertEvent(ctx, record); err != nil && err != ErrEventExists {
			return fmt.Errorf("failed to record event: %w", err)
		}
	}

	if env.Event == nil {
		// Unknown event type: acknowledge and log, no state mutation.
		m.logger.Info("ignoring unknown event type",
			Field{Key: "event_id", Value: env.EventID},
			Field{Key: "event_type", Value: env.Type})
		m.metrics.RecordEventApplied(env.Type, "unknown_type")
		return m.markProcessed(ctx, env.EventID)
	}

	userID, healed, err := m.resolveEventUser(ctx, env)
	if err != nil {
		m.metrics.RecordEventApplied(env.Type, "error")
		return err
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	outcome, err := m.applyLocked(ctx, env, healed)
	if err != nil {
		m.metrics.RecordEventApplied(env.Type, "error")
		return err
	}

	m.metrics.RecordEventApplied(env.Type, outcome)
	return m.markProcessed(ctx, env.EventID)
}

func (m *Manager) markProcessed(ctx context.Context, eventID string) error {
	if err := m.events.MarkProcessed(ctx, eventID); err != nil {
		// State already committed; the next delivery is a no-op anyway.
		m.logger.Error("failed to mark event processed",
			Field{Key: "event_id", Value: eventID},
			Field{Key: "error", Value: err.Error()})
	}
	return nil
}

// resolveEventUser determines which user's lock to take. Events carrying
// the full subscription object name the owner directly; id-only events
// resolve through the local row, falling back to a self-healing fetch from
// the processor for unknown ids. The fetched row (if any) is returned so
// applyLocked can insert it under the user lock.
func (m *Manager) resolveEventUser(ctx context.Context, env *EventEnvelope) (string, *Subscription, error) {
	switch ev := env.Event.(type) {
	case SubscriptionCreated:
		return ev.Subscription.UserID, nil, nil
	case SubscriptionUpdated:
		return ev.Subscription.UserID, nil, nil
	}

	subID := env.Event.SubscriptionID()
	local, err := m.subs.GetSubscription(ctx, subID)
	if err == nil {
		return local.UserID, nil, nil
	}
	if err != ErrSubscriptionNotFound {
		return "", nil, fmt.Errorf("failed to load subscription %s: %w", subID, err)
	}

	remote, err := m.selfHeal(ctx, subID)
	if err != nil {
		return "", nil, err
	}
	return remote.UserID, remote, nil
}

// selfHeal fetches the full subscription object from the processor for an
// event that references an id we have no row for. The processor is
// authoritative, so ingestion creates the row rather than discarding the
// event. Fetches are collapsed via singleflight and rate-limited per id to
// avoid storms on replayed deliveries.
func (m *Manager) selfHeal(ctx context.Context, subID string) (*Subscription, error) {
	if m.processor == nil {
		m.metrics.RecordSelfHeal("error")
		return nil, fmt.Errorf("unknown subscription %s and no processor configured: %w", subID, ErrSubscriptionNotFound)
	}

	m.selfHealMu.Lock()
	last, seen := m.lastSelfHeal[subID]
	now := m.clock()
	if seen && now.Sub(last) < m.selfHealInterval {
		m.selfHealMu.Unlock()
		m.metrics.RecordSelfHeal("rate_limited")
		// Fail the delivery so the processor retries after the window.
		return nil, fmt.Errorf("self-heal for %s rate limited: %w", subID, ErrUpstreamUnavailable)
	}
	m.lastSelfHeal[subID] = now
	m.selfHealMu.Unlock()

	v, err, _ := m.selfHealGroup.Do(subID, func() (interface{}, error) {
		return m.processor.GetSubscription(ctx, subID)
	})
	if err != nil {
		m.metrics.RecordSelfHeal("error")
		return nil, fmt.Errorf("self-heal fetch for %s failed: %w", subID, err)
	}

	m.metrics.RecordSelfHeal("success")
	m.logger.Info("self-healed unknown subscription",
		Field{Key: "subscription_id", Value: subID})
	return v.(*Subscription), nil
}

// applyLocked runs the transition table for one event while holding the
// owner's lock. healed, when non-nil, is a processor-fetched row for an id
// we had no local row for; it is inserted before the transition runs.
// Returns the outcome label: "applied", "noop" or "stale".
func (m *Manager) applyLocked(ctx context.Context, env *EventEnvelope, healed *Subscription) (string, error) {
	if healed != nil {
		if err := m.insertFromRemote(ctx, healed); err != nil {
			return "", err
		}
	}

	switch ev := env.Event.(type) {
	case SubscriptionCreated:
		return m.applyCreated(ctx, env, ev.Subscription)

	case SubscriptionUpdated:
		return m.applyUpdated(ctx, env, ev.Subscription)

	case TrialWillEnd:
		return m.applyTrialWillEnd(ctx, ev)

	case InvoicePaymentFailed:
		return m.transition(ctx, env, ev.ID, func(sub *Subscription) bool {
			if sub.Status != StatusActive {
				return false
			}
			sub.Status = StatusPastDue
			return true
		})

	case InvoicePaid:
		return m.transition(ctx, env, ev.ID, func(sub *Subscription) bool {
			if sub.Status != StatusPastDue && sub.Status != StatusTrialing {
				return false
			}
			sub.Status = StatusActive
			return true
		})

	case SubscriptionDeleted:
		return m.transition(ctx, env, ev.ID, func(sub *Subscription) bool {
			if sub.Status.Terminal() {
				return false
			}
			sub.Status = StatusCanceled
			sub.CancelAtPeriodEnd = false
			return true
		})

	default:
		return "noop", nil
	}
}

func (m *Manager) applyCreated(ctx context.Context, env *EventEnvelope, payload Subscription) (string, error) {
	_, err := m.subs.GetSubscription(ctx, payload.ID)
	if err == nil {
		// Duplicate delivery of subscription.created: exactly one row
		// must exist afterwards.
		return "noop", nil
	}
	if err != ErrSubscriptionNotFound {
		return "", fmt.Errorf("failed to load subscription %s: %w", payload.ID, err)
	}

	payload.UpdatedAt = env.OccurredAt
	payload.Version = 0
	if err := m.subs.UpsertSubscription(ctx, &payload); err != nil {
		return "", fmt.Errorf("failed to insert subscription %s: %w", payload.ID, err)
	}
	return "applied", nil
}

func (m *Manager) applyUpdated(ctx context.Context, env *EventEnvelope, payload Subscription) (string, error) {
	_, err := m.subs.GetSubscription(ctx, payload.ID)
	if err == ErrSubscriptionNotFound {
		// Out-of-order delivery: the update arrived before the created.
		// The payload carries the full object, so insert it directly.
		return m.applyCreated(ctx, env, payload)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load subscription %s: %w", payload.ID, err)
	}

	return m.transition(ctx, env, payload.ID, func(sub *Subscription) bool {
		if sub.Status.Terminal() {
			return false
		}
		sub.Status = payload.Status
		sub.Tier = payload.Tier
		sub.CurrentPeriodEnd = payload.CurrentPeriodEnd
		sub.TrialEnd = payload.TrialEnd
		sub.CancelAtPeriodEnd = payload.CancelAtPeriodEnd
		return true
	})
}

func (m *Manager) applyTrialWillEnd(ctx context.Context, ev TrialWillEnd) (string, error) {
	sub, err := m.subs.GetSubscription(ctx, ev.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription %s: %w", ev.ID, err)
	}
	if sub.Status != StatusTrialing {
		return "noop", nil
	}

	m.logger.Info("trial ending soon",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "user_id", Value: sub.UserID},
		Field{Key: "trial_end", Value: ev.TrialEnd})
	if m.notifier != nil {
		m.notifier.TrialWillEnd(ctx, sub)
	}
	return "applied", nil
}

// transition runs mutate inside a bounded optimistic-lock retry loop.
// Stale events, detected by comparing the event's emission timestamp with
// the stored updated_at, are dropped without regressing state.
func (m *Manager) transition(ctx context.Context, env *EventEnvelope, subID string, mutate func(*Subscription) bool) (string, error) {
	for attempt := 0; attempt < m.casRetries; attempt++ {
		sub, err := m.subs.GetSubscription(ctx, subID)
		if err != nil {
			return "", fmt.Errorf("failed to load subscription %s: %w", subID, err)
		}

		if !env.OccurredAt.IsZero() && env.OccurredAt.Before(sub.UpdatedAt) {
			m.logger.Debug("dropping stale event",
				Field{Key: "event_id", Value: env.EventID},
				Field{Key: "subscription_id", Value: subID})
			return "stale", nil
		}

		next := *sub
		if !mutate(&next) {
			return "noop", nil
		}
		next.UpdatedAt = env.OccurredAt
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = m.clock()
		}

		err = m.subs.UpdateSubscription(ctx, &next)
		if err == nil {
			return "applied", nil
		}
		if err != ErrVersionConflict {
			return "", fmt.Errorf("failed to update subscription %s: %w", subID, err)
		}
		// Lost the CAS to a concurrent writer, reload and retry.
	}
	return "", fmt.Errorf("updating subscription %s: %w", subID, ErrConcurrentModification)
}

// insertFromRemote stores a processor-fetched row if it is still missing.
func (m *Manager) insertFromRemote(ctx context.Context, remote *Subscription) error {
	_, err := m.subs.GetSubscription(ctx, remote.ID)
	if err == nil {
		return nil
	}
	if err != ErrSubscriptionNotFound {
		return fmt.Errorf("failed to load subscription %s: %w", remote.ID, err)
	}

	row := *remote
	row.UpdatedAt = m.clock()
	row.Version = 0
	if err := m.subs.UpsertSubscription(ctx, &row); err != nil {
		return fmt.Errorf("failed to insert self-healed subscription %s: %w", remote.ID, err)
	}
	return nil
}
