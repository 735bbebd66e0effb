package api

import (
	"net/http"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// Config holds the admin API configuration. Authentication is owned by an
// external collaborator: IsAdmin receives the request after that layer
// ran and reports whether the caller may use privileged endpoints.
type Config struct {
	// Manager is the entitlement manager the endpoints drive (required).
	Manager *tiergate.Manager

	// Events is the webhook event log, read by the audit tail endpoint
	// (required).
	Events tiergate.EventStore

	// IsAdmin guards every endpoint (required). Return false to reject
	// with 403.
	IsAdmin func(r *http.Request) bool

	// Logger is used for structured logging (default: NoopLogger).
	Logger tiergate.Logger

	// MaxLogLimit caps the webhook-logs limit parameter (default: 200).
	MaxLogLimit int
}
