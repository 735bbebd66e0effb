package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tiermw "github.com/tiergate/tiergate/pkg/middleware/http"
	"github.com/tiergate/tiergate/pkg/storage/memory"
	"github.com/tiergate/tiergate/pkg/tiergate"
)

func setup(t *testing.T) tiermw.Config {
	t.Helper()
	storage := memory.New()
	manager, err := tiergate.NewManager(tiergate.Config{
		Users:         storage,
		Subscriptions: storage,
		Events:        storage,
	})
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "premium-user"}))
	require.NoError(t, storage.UpsertSubscription(ctx, &tiergate.Subscription{
		ID:               "sub_1",
		UserID:           "premium-user",
		Status:           tiergate.StatusActive,
		Tier:             tiergate.TierPremium,
		CurrentPeriodEnd: now.AddDate(0, 1, 0),
		CreatedAt:        now,
		UpdatedAt:        now,
	}))
	require.NoError(t, storage.SaveUser(ctx, &tiergate.User{ID: "free-user"}))

	return tiermw.Config{
		Manager:   manager,
		GetUserID: tiermw.FromHeader("X-User-ID"),
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func TestRequireTier(t *testing.T) {
	config := setup(t)
	handler := tiermw.RequireTier(config, tiergate.TierPremium)(okHandler())

	// Premium user passes
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "premium-user")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Free user is denied
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "free-user")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// No user at all
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireFeature(t *testing.T) {
	config := setup(t)

	handler := tiermw.RequireFeature(config, tiergate.FeatureMarketInsights)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "premium-user")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Premium does not include API access
	handler = tiermw.RequireFeature(config, tiergate.FeatureAPIAccess)(okHandler())
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "premium-user")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSnapshotStoredInContext(t *testing.T) {
	config := setup(t)

	var snapshot *tiergate.Snapshot
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot, _ = tiermw.SnapshotFromContext(r.Context())
	})

	handler := tiermw.RequireTier(config, tiergate.TierBasic)(inner)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "premium-user")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, snapshot)
	assert.Equal(t, tiergate.TierPremium, snapshot.Tier)
	assert.Equal(t, "sub_1", snapshot.SubscriptionID)
}

func TestCustomCallbacks(t *testing.T) {
	config := setup(t)

	deniedCalled := false
	config.OnDenied = func(w http.ResponseWriter, r *http.Request, snapshot *tiergate.Snapshot) {
		deniedCalled = true
		w.WriteHeader(http.StatusPaymentRequired)
	}
	unauthorizedCalled := false
	config.OnUnauthorized = func(w http.ResponseWriter, r *http.Request) {
		unauthorizedCalled = true
		w.WriteHeader(http.StatusTeapot)
	}

	handler := tiermw.RequireTier(config, tiergate.TierPro)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "free-user")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.True(t, deniedCalled)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.True(t, unauthorizedCalled)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestFromContextExtractor(t *testing.T) {
	config := setup(t)
	config.GetUserID = tiermw.FromContext(tiermw.UserIDKey)

	handler := tiermw.RequireTier(config, tiergate.TierPremium)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(tiermw.WithUserID(req.Context(), "premium-user"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
