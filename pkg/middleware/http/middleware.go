// Package http provides HTTP middleware for tier and feature gating.
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Manager is the entitlement manager instance (required).
	Manager *tiergate.Manager

	// GetUserID extracts user ID from request (required).
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnDenied is called when the user's snapshot does not satisfy the
	// gate. If nil, returns 403 Forbidden.
	OnDenied func(w http.ResponseWriter, r *http.Request, snapshot *tiergate.Snapshot)

	// OnError is called when resolving the snapshot fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireTier creates an HTTP middleware that admits only requests whose
// resolved tier is at least min. The resolved snapshot is stored in the
// request context for downstream handlers.
func RequireTier(config Config, min tiergate.Tier) func(http.Handler) http.Handler {
	return gate(config, func(snapshot *tiergate.Snapshot) bool {
		return snapshot.Tier.Weight() >= min.Weight()
	})
}

// RequireFeature creates an HTTP middleware that admits only requests
// whose resolved snapshot includes the feature.
func RequireFeature(config Config, feature string) func(http.Handler) http.Handler {
	return gate(config, func(snapshot *tiergate.Snapshot) bool {
		return snapshot.HasFeature(feature)
	})
}

func gate(config Config, allowed func(*tiergate.Snapshot) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			snapshot, err := config.Manager.Resolve(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !allowed(snapshot) {
				if config.OnDenied != nil {
					config.OnDenied(w, r, snapshot)
				} else {
					msg := fmt.Sprintf("Forbidden: tier %s does not grant access", snapshot.Tier)
					http.Error(w, msg, http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSnapshot(r.Context(), snapshot)))
		})
	}
}

// HandlerFunc wraps RequireTier for http.HandlerFunc chains.
func HandlerFunc(config Config, min tiergate.Tier) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireTier(config, min)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "tiergate:userID"

	// SnapshotKey is the context key for the resolved snapshot.
	SnapshotKey ContextKey = "tiergate:snapshot"
)

// FromContext returns a UserIDExtractor that gets user ID from request context.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSnapshot adds a resolved snapshot to request context.
func WithSnapshot(ctx context.Context, snapshot *tiergate.Snapshot) context.Context {
	return context.WithValue(ctx, SnapshotKey, snapshot)
}

// SnapshotFromContext returns the snapshot stored by the gating
// middleware, if any.
func SnapshotFromContext(ctx context.Context) (*tiergate.Snapshot, bool) {
	snapshot, ok := ctx.Value(SnapshotKey).(*tiergate.Snapshot)
	return snapshot, ok
}
