package tiergate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

func TestReconcile_MirrorsRemoteState(t *testing.T) {
	processor := newFakeProcessor()
	processor.add("cus_1", activeSub("sub_a", "u1", tiergate.TierPremium, testNow.Add(-time.Hour)))

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1", CustomerRef: "cus_1"}))

	// Local copy of sub_a is stale: still basic
	stale := activeSub("sub_a", "u1", tiergate.TierBasic, testNow.Add(-time.Hour))
	require.NoError(t, storage.UpsertSubscription(ctx, stale))

	report, err := manager.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.Synced)
	require.Len(t, report.Changes, 1)
	assert.Contains(t, report.Changes[0], "updated sub_a")

	sub, err := storage.GetSubscription(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, tiergate.TierPremium, sub.Tier)
}

func TestReconcile_CreatesMissingRows(t *testing.T) {
	processor := newFakeProcessor()
	processor.add("cus_1", activeSub("sub_new", "u1", tiergate.TierPro, testNow.Add(-time.Hour)))

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1", CustomerRef: "cus_1"}))

	report, err := manager.Reconcile(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, report.Changes, 1)
	assert.Contains(t, report.Changes[0], "created sub_new")

	sub, err := storage.GetSubscription(ctx, "sub_new")
	require.NoError(t, err)
	assert.Equal(t, tiergate.TierPro, sub.Tier)
	assert.False(t, sub.Synthetic)
}

func TestReconcile_ProcessorErrorLeavesStateUntouched(t *testing.T) {
	processor := newFakeProcessor()
	processor.listErr = errors.New("rate limited")

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1", CustomerRef: "cus_1"}))
	local := activeSub("sub_a", "u1", tiergate.TierBasic, testNow.Add(-time.Hour))
	require.NoError(t, storage.UpsertSubscription(ctx, local))

	_, err := manager.Reconcile(ctx, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, tiergate.ErrUpstreamUnavailable)

	sub, err := storage.GetSubscription(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, tiergate.TierBasic, sub.Tier)
}

func TestReconcile_NoCustomerRefStillHeals(t *testing.T) {
	// A user who never checked out can still hold synthetic duplicates
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1"}))

	older := activeSub("sub_old", "u1", tiergate.TierPremium, testNow.Add(-48*time.Hour))
	older.Synthetic = true
	newer := activeSub("sub_new", "u1", tiergate.TierPremium, testNow.Add(-time.Hour))
	newer.Synthetic = true
	require.NoError(t, storage.UpsertSubscription(ctx, older))
	require.NoError(t, storage.UpsertSubscription(ctx, newer))

	report, err := manager.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.DuplicatesFound)
	assert.Equal(t, 1, report.DuplicatesHealed)

	healed, err := storage.GetSubscription(ctx, "sub_old")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusCanceled, healed.Status)
}

func TestReconcile_HealsDuplicatesViaProcessor(t *testing.T) {
	processor := newFakeProcessor()
	keep := activeSub("sub_keep", "u1", tiergate.TierPremium, testNow.Add(-time.Hour))
	dupe := activeSub("sub_dupe", "u1", tiergate.TierPremium, testNow.Add(-48*time.Hour))
	processor.add("cus_1", keep)
	processor.add("cus_1", dupe)

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1", CustomerRef: "cus_1"}))

	report, err := manager.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.DuplicatesFound)
	assert.Equal(t, 1, report.DuplicatesHealed)

	// The older duplicate was canceled at the processor, immediately
	require.Equal(t, []string{"sub_dupe"}, processor.cancelCalls)

	kept, err := storage.GetSubscription(ctx, "sub_keep")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusActive, kept.Status)

	canceled, err := storage.GetSubscription(ctx, "sub_dupe")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusCanceled, canceled.Status)
}

func TestReconcile_TieBreakKeepsHigherTier(t *testing.T) {
	processor := newFakeProcessor()
	basic := activeSub("sub_basic", "u1", tiergate.TierBasic, testNow.Add(-time.Hour))
	pro := activeSub("sub_pro", "u1", tiergate.TierPro, testNow.Add(-time.Hour))
	processor.add("cus_1", basic)
	processor.add("cus_1", pro)

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1", CustomerRef: "cus_1"}))

	_, err := manager.Reconcile(ctx, "u1")
	require.NoError(t, err)

	kept, err := storage.GetSubscription(ctx, "sub_pro")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusActive, kept.Status)

	canceled, err := storage.GetSubscription(ctx, "sub_basic")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusCanceled, canceled.Status)
}

func TestReconcile_CancelFailureLeavesRowLive(t *testing.T) {
	processor := newFakeProcessor()
	processor.add("cus_1", activeSub("sub_keep", "u1", tiergate.TierPremium, testNow.Add(-time.Hour)))
	processor.add("cus_1", activeSub("sub_dupe", "u1", tiergate.TierPremium, testNow.Add(-48*time.Hour)))
	processor.cancelErr = errors.New("stripe 500")

	manager, storage := newTestManagerWithProcessor(t, processor)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1", CustomerRef: "cus_1"}))

	report, err := manager.Reconcile(ctx, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, tiergate.ErrUpstreamUnavailable)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.DuplicatesFound)
	assert.Equal(t, 0, report.DuplicatesHealed)

	// The duplicate stays live for the next run to retry
	dupe, err := storage.GetSubscription(ctx, "sub_dupe")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusActive, dupe.Status)
}

func TestCleanupDuplicates(t *testing.T) {
	manager, storage := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "u1"}))

	// Both rows synthetic, so no processor is needed
	for i, id := range []string{"sub_1", "sub_2", "sub_3"} {
		sub := activeSub(id, "u1", tiergate.TierPremium, testNow.Add(time.Duration(i)*time.Hour))
		sub.Synthetic = true
		require.NoError(t, storage.UpsertSubscription(ctx, sub))
	}

	report, err := manager.CleanupDuplicates(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.DuplicatesFound)
	assert.Equal(t, 2, report.DuplicatesHealed)

	// Latest created_at survives
	survivor, err := storage.GetSubscription(ctx, "sub_3")
	require.NoError(t, err)
	assert.Equal(t, tiergate.StatusActive, survivor.Status)

	// Idempotent: a second pass finds nothing
	report, err = manager.CleanupDuplicates(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.DuplicatesFound)
}

func TestCleanupDuplicates_UnknownUser(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.CleanupDuplicates(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, tiergate.ErrUserNotFound)
}
