package tiergate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiergate/tiergate/pkg/storage/memory"
	"github.com/tiergate/tiergate/pkg/tiergate"
)

// fakeProcessor is an in-memory tiergate.Processor for tests.
type fakeProcessor struct {
	mu sync.Mutex

	subs map[string]*tiergate.Subscription
	// byCustomer maps customer refs to subscription ids for list calls
	byCustomer map[string][]string

	listErr   error
	getErr    error
	cancelErr error

	getCalls    int
	cancelCalls []string
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		subs:       make(map[string]*tiergate.Subscription),
		byCustomer: make(map[string][]string),
	}
}

func (p *fakeProcessor) add(customerRef string, sub *tiergate.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sub.ID] = sub
	if customerRef != "" {
		p.byCustomer[customerRef] = append(p.byCustomer[customerRef], sub.ID)
	}
}

func (p *fakeProcessor) ListSubscriptions(ctx context.Context, customerRef string) ([]*tiergate.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	var out []*tiergate.Subscription
	for _, id := range p.byCustomer[customerRef] {
		clone := *p.subs[id]
		out = append(out, &clone)
	}
	return out, nil
}

func (p *fakeProcessor) GetSubscription(ctx context.Context, id string) (*tiergate.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	if p.getErr != nil {
		return nil, p.getErr
	}
	sub, ok := p.subs[id]
	if !ok {
		return nil, tiergate.ErrSubscriptionNotFound
	}
	clone := *sub
	return &clone, nil
}

func (p *fakeProcessor) CancelSubscription(ctx context.Context, id string, immediately bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.cancelCalls = append(p.cancelCalls, id)
	if sub, ok := p.subs[id]; ok {
		sub.Status = tiergate.StatusCanceled
	}
	return nil
}

func newTestManagerWithProcessor(t *testing.T, processor tiergate.Processor) (*tiergate.Manager, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	manager, err := tiergate.NewManager(tiergate.Config{
		Users:         storage,
		Subscriptions: storage,
		Events:        storage,
		Processor:     processor,
		Clock:         fixedClock,
	})
	require.NoError(t, err)
	return manager, storage
}

func createdEnvelope(eventID, subID, userID string, tier tiergate.Tier, occurredAt time.Time) *tiergate.EventEnvelope {
	return &tiergate.EventEnvelope{
		EventID:    eventID,
		Type:       tiergate.EventSubscriptionCreated,
		OccurredAt: occurredAt,
		Event: tiergate.SubscriptionCreated{
			Subscription: tiergate.Subscription{
				ID:               subID,
				UserID:           userID,
				Status:           tiergate.StatusActive,
				Tier:             tier,
				CurrentPeriodEnd: occurredAt.AddDate(0, 1, 0),
				CreatedAt:        occurredAt,
			},
		},
	}
}

func TestProcessEvent_Created(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ProcessEvent(ctx,
		createdEnvelope("evt_1", "sub_1", "u1", tiergate.TierPremium, testNow)))

	sub, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusActive, sub.Status)
	assert.Equal(t, tiergate.TierPremium, sub.Tier)

	// The event log row is marked processed
	ev, err := storage.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, ev.ProcessedAt)
}

func TestProcessEvent_ReplayIsNoop(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	env := createdEnvelope("evt_1", "sub_1", "u1", tiergate.TierPremium, testNow)
	require.NoError(t, manager.ProcessEvent(ctx, env))

	before, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)

	// Redelivery of the exact same event id
	require.NoError(t, manager.ProcessEvent(ctx, env))

	after, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestProcessEvent_DuplicateCreatedKeepsOneRow(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ProcessEvent(ctx,
		createdEnvelope("evt_1", "sub_1", "u1", tiergate.TierPremium, testNow)))
	// Same subscription announced again under a different event id
	require.NoError(t, manager.ProcessEvent(ctx,
		createdEnvelope("evt_2", "sub_1", "u1", tiergate.TierPremium, testNow.Add(time.Second))))

	subs, err := storage.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestProcessEvent_UpdatedBeforeCreated(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	// The update arrives first; its payload carries the full object
	env := &tiergate.EventEnvelope{
		EventID:    "evt_1",
		Type:       tiergate.EventSubscriptionUpdated,
		OccurredAt: testNow,
		Event: tiergate.SubscriptionUpdated{
			Subscription: tiergate.Subscription{
				ID:               "sub_1",
				UserID:           "u1",
				Status:           tiergate.StatusActive,
				Tier:             tiergate.TierPro,
				CurrentPeriodEnd: testNow.AddDate(0, 1, 0),
				CreatedAt:        testNow,
			},
		},
	}
	require.NoError(t, manager.ProcessEvent(ctx, env))

	sub, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.TierPro, sub.Tier)

	// The created arrives afterwards and must not clobber anything
	require.NoError(t, manager.ProcessEvent(ctx,
		createdEnvelope("evt_0", "sub_1", "u1", tiergate.TierBasic, testNow.Add(-time.Minute))))

	sub, err = storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.TierPro, sub.Tier)
}

func TestProcessEvent_StaleEventDropped(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ProcessEvent(ctx,
		createdEnvelope("evt_1", "sub_1", "u1", tiergate.TierBasic, testNow)))

	// Upgrade at t+2h
	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_2",
		Type:       tiergate.EventSubscriptionUpdated,
		OccurredAt: testNow.Add(2 * time.Hour),
		Event: tiergate.SubscriptionUpdated{
			Subscription: tiergate.Subscription{
				ID:               "sub_1",
				UserID:           "u1",
				Status:           tiergate.StatusActive,
				Tier:             tiergate.TierPro,
				CurrentPeriodEnd: testNow.AddDate(0, 1, 0),
			},
		},
	}))

	// A delayed event from t+1h must not regress the tier
	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_3",
		Type:       tiergate.EventSubscriptionUpdated,
		OccurredAt: testNow.Add(time.Hour),
		Event: tiergate.SubscriptionUpdated{
			Subscription: tiergate.Subscription{
				ID:               "sub_1",
				UserID:           "u1",
				Status:           tiergate.StatusActive,
				Tier:             tiergate.TierBasic,
				CurrentPeriodEnd: testNow.AddDate(0, 1, 0),
			},
		},
	}))

	sub, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.TierPro, sub.Tier)

	// The stale event is still acknowledged as processed
	ev, err := storage.GetEvent(ctx, "evt_3")
	require.NoError(t, err)
	assert.NotNil(t, ev.ProcessedAt)
}

func TestProcessEvent_PaymentLifecycle(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ProcessEvent(ctx,
		createdEnvelope("evt_1", "sub_1", "u1", tiergate.TierPremium, testNow)))

	// active -> past_due
	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_2",
		Type:       tiergate.EventInvoicePaymentFailed,
		OccurredAt: testNow.Add(time.Hour),
		Event:      tiergate.InvoicePaymentFailed{ID: "sub_1"},
	}))
	sub, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusPastDue, sub.Status)

	// past_due -> active on payment recovery
	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_3",
		Type:       tiergate.EventInvoicePaid,
		OccurredAt: testNow.Add(2 * time.Hour),
		Event:      tiergate.InvoicePaid{ID: "sub_1"},
	}))
	sub, err = storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusActive, sub.Status)

	// invoice.paid on an already-active subscription is a no-op
	versionBefore := sub.Version
	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_4",
		Type:       tiergate.EventInvoicePaid,
		OccurredAt: testNow.Add(3 * time.Hour),
		Event:      tiergate.InvoicePaid{ID: "sub_1"},
	}))
	sub, err = storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, versionBefore, sub.Version)
}

func TestProcessEvent_DeletedIsTerminal(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ProcessEvent(ctx,
		createdEnvelope("evt_1", "sub_1", "u1", tiergate.TierPremium, testNow)))
	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_2",
		Type:       tiergate.EventSubscriptionDeleted,
		OccurredAt: testNow.Add(time.Hour),
		Event:      tiergate.SubscriptionDeleted{ID: "sub_1"},
	}))

	sub, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusCanceled, sub.Status)

	// Nothing revives a canceled subscription
	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_3",
		Type:       tiergate.EventSubscriptionUpdated,
		OccurredAt: testNow.Add(2 * time.Hour),
		Event: tiergate.SubscriptionUpdated{
			Subscription: tiergate.Subscription{
				ID:     "sub_1",
				UserID: "u1",
				Status: tiergate.StatusActive,
				Tier:   tiergate.TierPremium,
			},
		},
	}))
	sub, err = storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusCanceled, sub.Status)
}

func TestProcessEvent_UnknownTypeAcknowledged(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_1",
		Type:       "charge.refunded",
		OccurredAt: testNow,
		// No decoded Event: the type is outside the handled set
	}))

	ev, err := storage.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, ev.ProcessedAt)
}

func TestProcessEvent_TrialWillEndNotifies(t *testing.T) {
	storage := memory.New()

	var notified []*tiergate.Subscription
	manager, err := tiergate.NewManager(tiergate.Config{
		Users:         storage,
		Subscriptions: storage,
		Events:        storage,
		Clock:         fixedClock,
		TrialNotifier: trialNotifierFunc(func(ctx context.Context, sub *tiergate.Subscription) {
			notified = append(notified, sub)
		}),
	})
	require.NoError(t, err)
	ctx := context.Background()

	trialEnd := testNow.Add(3 * 24 * time.Hour)
	env := createdEnvelope("evt_1", "sub_1", "u1", tiergate.TierPremium, testNow)
	created := env.Event.(tiergate.SubscriptionCreated)
	created.Subscription.Status = tiergate.StatusTrialing
	created.Subscription.TrialEnd = &trialEnd
	env.Event = created
	require.NoError(t, manager.ProcessEvent(ctx, env))

	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_2",
		Type:       tiergate.EventTrialWillEnd,
		OccurredAt: trialEnd.Add(-3 * 24 * time.Hour),
		Event:      tiergate.TrialWillEnd{ID: "sub_1", TrialEnd: trialEnd},
	}))

	require.Len(t, notified, 1)
	assert.Equal(t, "sub_1", notified[0].ID)
}

type trialNotifierFunc func(ctx context.Context, sub *tiergate.Subscription)

func (f trialNotifierFunc) TrialWillEnd(ctx context.Context, sub *tiergate.Subscription) { f(ctx, sub) }

func TestProcessEvent_SelfHealsUnknownSubscription(t *testing.T) {
	processor := newFakeProcessor()
	processor.add("cus_1", activeSub("sub_unknown", "u1", tiergate.TierPremium, testNow.Add(-time.Hour)))

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	// The id-only event references a subscription we have no row for
	require.NoError(t, manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_1",
		Type:       tiergate.EventInvoicePaymentFailed,
		OccurredAt: testNow,
		Event:      tiergate.InvoicePaymentFailed{ID: "sub_unknown"},
	}))

	assert.Equal(t, 1, processor.getCalls)
	sub, err := storage.GetSubscription(ctx, "sub_unknown")
	require.NoError(t, err)
	assert.Equal(t, "u1", sub.UserID)
}

func TestProcessEvent_SelfHealRateLimited(t *testing.T) {
	processor := newFakeProcessor()
	processor.getErr = errors.New("processor down")

	manager, _ := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	env := func(id string) *tiergate.EventEnvelope {
		return &tiergate.EventEnvelope{
			EventID:    id,
			Type:       tiergate.EventInvoicePaymentFailed,
			OccurredAt: testNow,
			Event:      tiergate.InvoicePaymentFailed{ID: "sub_ghost"},
		}
	}

	// First attempt reaches the processor and fails
	err := manager.ProcessEvent(ctx, env("evt_1"))
	require.Error(t, err)
	assert.Equal(t, 1, processor.getCalls)

	// Second attempt inside the window is refused before the processor;
	// the error forces a redelivery
	err = manager.ProcessEvent(ctx, env("evt_2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, tiergate.ErrUpstreamUnavailable)
	assert.Equal(t, 1, processor.getCalls)
}

func TestProcessEvent_NoProcessorUnknownSubscription(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	err := manager.ProcessEvent(ctx, &tiergate.EventEnvelope{
		EventID:    "evt_1",
		Type:       tiergate.EventInvoicePaid,
		OccurredAt: testNow,
		Event:      tiergate.InvoicePaid{ID: "sub_ghost"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, tiergate.ErrSubscriptionNotFound)
}
