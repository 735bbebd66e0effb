package tiergate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

func TestChangeTier_InvalidTier(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.ChangeTier(context.Background(), "u1", tiergate.Tier("gold"), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, tiergate.ErrInvalidTier)
}

func TestChangeTier_PastDueNeedsConfirmation(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1"}))
	sub := activeSub("sub_1", "u1", tiergate.TierPremium, testNow.Add(-time.Hour))
	sub.Status = tiergate.StatusPastDue
	require.NoError(t, storage.UpsertSubscription(ctx, sub))

	result, err := manager.ChangeTier(ctx, "u1", tiergate.TierPro, false)
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.NotEmpty(t, result.Warning)

	// No override was written
	user, err := storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, user.OverrideTier)

	// Confirmed, the override goes through and drives resolution
	result, err = manager.ChangeTier(ctx, "u1", tiergate.TierPro, true)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	snap, err := manager.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.TierPro, snap.Tier)
	assert.True(t, snap.Override)
	// The underlying payment trouble stays visible
	assert.Equal(t, string(tiergate.StatusPastDue), snap.Status)
}

func TestChangeTier_Applies(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1"}))

	result, err := manager.ChangeTier(ctx, "u1", tiergate.TierPremium, false)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	snap, err := manager.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.TierPremium, snap.Tier)
	assert.True(t, snap.Override)
}

func TestGrantTrial(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1"}))

	msg, err := manager.GrantTrial(ctx, "u1", 14)
	require.NoError(t, err)
	assert.Contains(t, msg, "granted 14-day trial")

	subs, err := storage.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	sub := subs[0]
	assert.True(t, strings.HasPrefix(sub.ID, "sub_local_"))
	assert.True(t, sub.Synthetic)
	assert.Equal(t, tiergate.StatusTrialing, sub.Status)
	assert.Equal(t, tiergate.TierPremium, sub.Tier)
	require.NotNil(t, sub.TrialEnd)
	assert.Equal(t, testNow.Add(14*24*time.Hour), *sub.TrialEnd)

	snap, err := manager.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.TierPremium, snap.Tier)
	assert.Equal(t, 14, snap.TrialDaysRemaining)
}

func TestGrantTrial_RefusedWhenLiveSubscriptionExists(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1"}))
	require.NoError(t, storage.UpsertSubscription(ctx,
		activeSub("sub_live", "u1", tiergate.TierBasic, testNow.Add(-time.Hour))))

	msg, err := manager.GrantTrial(ctx, "u1", 14)
	require.NoError(t, err)
	assert.Contains(t, msg, "already has a live subscription")

	subs, err := storage.ListSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestGrantTrial_RealSubscriptionOutranksTrial(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1"}))
	_, err := manager.GrantTrial(ctx, "u1", 14)
	require.NoError(t, err)

	// The user checks out for real; the processor-backed row is newer
	require.NoError(t, manager.ProcessEvent(ctx,
		createdEnvelope("evt_1", "sub_real", "u1", tiergate.TierPro, testNow.Add(time.Hour))))

	snap, err := manager.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sub_real", snap.SubscriptionID)
	assert.Equal(t, tiergate.TierPro, snap.Tier)
}

func TestGrantTrial_RejectsNonPositiveDays(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.GrantTrial(context.Background(), "u1", 0)
	require.Error(t, err)
}

func TestCancelSubscription_OwnershipEnforced(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	sub := activeSub("sub_1", "u1", tiergate.TierPremium, testNow)
	sub.Synthetic = true
	require.NoError(t, storage.UpsertSubscription(ctx, sub))

	_, err := manager.CancelSubscription(ctx, "someone_else", "sub_1", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, tiergate.ErrSubscriptionNotFound)
}

func TestCancelSubscription_Immediate(t *testing.T) {
	processor := newFakeProcessor()
	processor.add("cus_1", activeSub("sub_1", "u1", tiergate.TierPremium, testNow))

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	require.NoError(t, storage.UpsertSubscription(ctx,
		activeSub("sub_1", "u1", tiergate.TierPremium, testNow)))

	msg, err := manager.CancelSubscription(ctx, "u1", "sub_1", true)
	require.NoError(t, err)
	assert.Contains(t, msg, "canceled immediately")
	assert.Equal(t, []string{"sub_1"}, processor.cancelCalls)

	sub, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusCanceled, sub.Status)
}

func TestCancelSubscription_AtPeriodEnd(t *testing.T) {
	processor := newFakeProcessor()
	processor.add("cus_1", activeSub("sub_1", "u1", tiergate.TierPremium, testNow))

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	require.NoError(t, storage.UpsertSubscription(ctx,
		activeSub("sub_1", "u1", tiergate.TierPremium, testNow)))

	msg, err := manager.CancelSubscription(ctx, "u1", "sub_1", false)
	require.NoError(t, err)
	assert.Contains(t, msg, "cancel at period end")

	// Still serving until the deleted webhook lands
	sub, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
}

func TestCancelSubscription_SyntheticSkipsProcessor(t *testing.T) {
	// No processor configured at all; synthetic rows cancel locally
	manager, storage := newTestManager(t)
	ctx := context.Background()

	sub := activeSub("sub_local_abc", "u1", tiergate.TierPremium, testNow)
	sub.Synthetic = true
	require.NoError(t, storage.UpsertSubscription(ctx, sub))

	msg, err := manager.CancelSubscription(ctx, "u1", "sub_local_abc", false)
	require.NoError(t, err)
	assert.Contains(t, msg, "canceled immediately")

	got, err := storage.GetSubscription(ctx, "sub_local_abc")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusCanceled, got.Status)
}

func TestCancelSubscription_ProcessorFailureLeavesRow(t *testing.T) {
	processor := newFakeProcessor()
	processor.cancelErr = errors.New("stripe 500")

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	require.NoError(t, storage.UpsertSubscription(ctx,
		activeSub("sub_1", "u1", tiergate.TierPremium, testNow)))

	_, err := manager.CancelSubscription(ctx, "u1", "sub_1", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, tiergate.ErrUpstreamUnavailable)

	sub, err := storage.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusActive, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestCancelSubscription_AlreadyCanceled(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	sub := activeSub("sub_1", "u1", tiergate.TierPremium, testNow)
	sub.Status = tiergate.StatusCanceled
	sub.Synthetic = true
	require.NoError(t, storage.UpsertSubscription(ctx, sub))

	msg, err := manager.CancelSubscription(ctx, "u1", "sub_1", true)
	require.NoError(t, err)
	assert.Contains(t, msg, "already canceled")
}
