// Package gin provides Gin middleware for tier and feature gating.
package gin

import (
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// SnapshotKey is the Gin context key under which the resolved snapshot
// is stored for downstream handlers.
const SnapshotKey = "tiergate:snapshot"

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration.
type Config struct {
	// Manager is the entitlement manager instance (required).
	Manager *tiergate.Manager

	// GetUserID extracts user ID from context (required).
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnDenied is called when the user's snapshot does not satisfy the
	// gate. If nil, returns 403 Forbidden with the resolved tier.
	OnDenied func(c *gongin.Context, snapshot *tiergate.Snapshot)

	// OnError is called when resolving the snapshot fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// RequireTier creates a Gin middleware that admits only requests whose
// resolved tier is at least min.
func RequireTier(cfg Config, min tiergate.Tier) gongin.HandlerFunc {
	return gate(cfg, func(snapshot *tiergate.Snapshot) bool {
		return snapshot.Tier.Weight() >= min.Weight()
	})
}

// RequireFeature creates a Gin middleware that admits only requests
// whose resolved snapshot includes the feature.
func RequireFeature(cfg Config, feature string) gongin.HandlerFunc {
	return gate(cfg, func(snapshot *tiergate.Snapshot) bool {
		return snapshot.HasFeature(feature)
	})
}

func gate(cfg Config, allowed func(*tiergate.Snapshot) bool) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("tiergate/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("tiergate/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		snapshot, err := cfg.Manager.Resolve(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !allowed(snapshot) {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, snapshot)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{
					"error": fmt.Sprintf("tier %s does not grant access", snapshot.Tier),
					"tier":  snapshot.Tier,
				})
			}
			c.Abort()
			return
		}

		c.Set(SnapshotKey, snapshot)
		c.Next()
	}
}

// SnapshotFromContext returns the snapshot stored by the gating
// middleware, if any.
func SnapshotFromContext(c *gongin.Context) (*tiergate.Snapshot, bool) {
	if val, exists := c.Get(SnapshotKey); exists {
		if snapshot, ok := val.(*tiergate.Snapshot); ok {
			return snapshot, true
		}
	}
	return nil, false
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an upstream auth middleware via c.Set(key, "...").
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter.
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
