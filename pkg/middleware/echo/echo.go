// Package echo provides Echo middleware for tier and feature gating.
package echo

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// SnapshotKey is the Echo context key under which the resolved snapshot
// is stored for downstream handlers.
const SnapshotKey = "tiergate:snapshot"

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Manager is the entitlement manager instance (required).
	Manager *tiergate.Manager

	// GetUserID extracts user ID from context (required).
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnDenied is called when the user's snapshot does not satisfy the
	// gate. If nil, returns 403 Forbidden with the resolved tier.
	OnDenied func(c echo.Context, snapshot *tiergate.Snapshot) error

	// OnError is called when resolving the snapshot fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error
}

// RequireTier creates an Echo middleware that admits only requests whose
// resolved tier is at least min.
func RequireTier(cfg Config, min tiergate.Tier) echo.MiddlewareFunc {
	return gate(cfg, func(snapshot *tiergate.Snapshot) bool {
		return snapshot.Tier.Weight() >= min.Weight()
	})
}

// RequireFeature creates an Echo middleware that admits only requests
// whose resolved snapshot includes the feature.
func RequireFeature(cfg Config, feature string) echo.MiddlewareFunc {
	return gate(cfg, func(snapshot *tiergate.Snapshot) bool {
		return snapshot.HasFeature(feature)
	})
}

func gate(cfg Config, allowed func(*tiergate.Snapshot) bool) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("tiergate/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("tiergate/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			snapshot, err := cfg.Manager.Resolve(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !allowed(snapshot) {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, snapshot)
				}
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": fmt.Sprintf("tier %s does not grant access", snapshot.Tier),
					"tier":  string(snapshot.Tier),
				})
			}

			c.Set(SnapshotKey, snapshot)
			return next(c)
		}
	}
}

// SnapshotFromContext returns the snapshot stored by the gating
// middleware, if any.
func SnapshotFromContext(c echo.Context) (*tiergate.Snapshot, bool) {
	if snapshot, ok := c.Get(SnapshotKey).(*tiergate.Snapshot); ok {
		return snapshot, true
	}
	return nil, false
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo
// context values set by an upstream auth middleware via c.Set(key, "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter.
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
