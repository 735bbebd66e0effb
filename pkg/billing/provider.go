package billing

import (
	"net/http"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// Provider is the generic interface any payment processor backend must
// implement. It bundles the inbound webhook surface with the outbound
// tiergate.Processor contract so the application can swap processors with
// zero logic changes.
type Provider interface {
	tiergate.Processor

	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that ingests real-time
	// events. The implementation handles signature verification, payload
	// decoding and Manager updates internally.
	WebhookHandler() http.Handler
}
