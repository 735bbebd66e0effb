package billing

import (
	"net/http"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the tiergate Manager that receives decoded domain events.
	Manager *tiergate.Manager

	// WebhookSecret is the shared secret used to verify inbound webhook
	// signatures. Payloads that fail verification are rejected and never
	// stored.
	WebhookSecret string

	// APIKey authenticates outbound API calls to the processor
	// (list/get/cancel subscriptions).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with a 10s timeout is used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for provider operations.
	// If nil, metrics are silently ignored (no-op).
	Metrics Metrics

	// PriceTiers maps provider price/product ids to tiergate tiers.
	// For example: map[string]string{"price_basic_mo": "basic"}.
	PriceTiers map[string]string
}
