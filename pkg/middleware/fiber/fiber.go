// Package fiber provides Fiber middleware for tier and feature gating.
package fiber

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// SnapshotKey is the Fiber locals key under which the resolved snapshot
// is stored for downstream handlers.
const SnapshotKey = "tiergate:snapshot"

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration.
type Config struct {
	// Manager is the entitlement manager instance (required).
	Manager *tiergate.Manager

	// GetUserID extracts user ID from context (required).
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnDenied is called when the user's snapshot does not satisfy the
	// gate. If nil, returns 403 Forbidden with the resolved tier.
	OnDenied func(c *fiber.Ctx, snapshot *tiergate.Snapshot) error

	// OnError is called when resolving the snapshot fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error
}

// RequireTier creates a Fiber middleware that admits only requests whose
// resolved tier is at least min.
func RequireTier(cfg Config, min tiergate.Tier) fiber.Handler {
	return gate(cfg, func(snapshot *tiergate.Snapshot) bool {
		return snapshot.Tier.Weight() >= min.Weight()
	})
}

// RequireFeature creates a Fiber middleware that admits only requests
// whose resolved snapshot includes the feature.
func RequireFeature(cfg Config, feature string) fiber.Handler {
	return gate(cfg, func(snapshot *tiergate.Snapshot) bool {
		return snapshot.HasFeature(feature)
	})
}

func gate(cfg Config, allowed func(*tiergate.Snapshot) bool) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("tiergate/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("tiergate/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// Fiber uses fasthttp, so the standard context lives behind
		// UserContext.
		snapshot, err := cfg.Manager.Resolve(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !allowed(snapshot) {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, snapshot)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": fmt.Sprintf("tier %s does not grant access", snapshot.Tier),
				"tier":  snapshot.Tier,
			})
		}

		c.Locals(SnapshotKey, snapshot)
		return c.Next()
	}
}

// SnapshotFromContext returns the snapshot stored by the gating
// middleware, if any.
func SnapshotFromContext(c *fiber.Ctx) (*tiergate.Snapshot, bool) {
	if snapshot, ok := c.Locals(SnapshotKey).(*tiergate.Snapshot); ok {
		return snapshot, true
	}
	return nil, false
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber
// locals set by an upstream auth middleware via c.Locals(key, "...").
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter.
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
