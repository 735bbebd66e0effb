package stripe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tiergate/tiergate/pkg/billing/internal"
	"github.com/tiergate/tiergate/pkg/tiergate"
)

// handleWebhook ingests one signed Stripe event: verify the signature,
// decode the envelope into a typed domain event and hand it to the
// manager. Unverifiable payloads are rejected with 400 and never stored;
// Stripe retries on any non-2xx.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		// Signature failure: reject, store nothing. Stripe re-signs and
		// redelivers on its own schedule.
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	env, err := p.decodeEvent(&event, body)
	if err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	if err := p.manager.ProcessEvent(r.Context(), env); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// decodeEvent maps a verified Stripe event envelope to the typed domain
// event union. Unknown event types yield an envelope with a nil Event,
// which the manager acknowledges without touching state.
func (p *Provider) decodeEvent(event *stripe.Event, body []byte) (*tiergate.EventEnvelope, error) {
	env := &tiergate.EventEnvelope{
		EventID:     event.ID,
		Type:        normalizeEventType(string(event.Type)),
		PayloadHash: payloadHash(body),
		OccurredAt:  time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "customer.subscription.created":
		sub, err := p.subscriptionFromRaw(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		env.Event = tiergate.SubscriptionCreated{Subscription: *sub}

	case "customer.subscription.updated":
		sub, err := p.subscriptionFromRaw(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		env.Event = tiergate.SubscriptionUpdated{Subscription: *sub}

	case "customer.subscription.trial_will_end":
		sub, err := p.subscriptionFromRaw(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		trialEnd := time.Time{}
		if sub.TrialEnd != nil {
			trialEnd = *sub.TrialEnd
		}
		env.Event = tiergate.TrialWillEnd{ID: sub.ID, TrialEnd: trialEnd}

	case "customer.subscription.deleted":
		sub, err := p.subscriptionFromRaw(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		env.Event = tiergate.SubscriptionDeleted{ID: sub.ID}

	case "invoice.payment_failed":
		subID, err := subscriptionIDFromInvoice(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		if subID == "" {
			// Not a subscription invoice, acknowledge without mutation.
			return env, nil
		}
		env.Event = tiergate.InvoicePaymentFailed{ID: subID}

	case "invoice.paid", "invoice.payment_succeeded":
		subID, err := subscriptionIDFromInvoice(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		if subID == "" {
			return env, nil
		}
		env.Event = tiergate.InvoicePaid{ID: subID}
	}

	return env, nil
}

// subscriptionFromRaw unmarshals a subscription payload and converts it.
func (p *Provider) subscriptionFromRaw(raw json.RawMessage) (*tiergate.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("subscription payload missing id")
	}
	return p.toSubscription(&sub), nil
}

// subscriptionIDFromInvoice extracts the subscription reference from an
// invoice payload. The field is either an expanded object or a bare id
// string depending on API version.
func subscriptionIDFromInvoice(raw json.RawMessage) (string, error) {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return "", fmt.Errorf("failed to unmarshal invoice: %w", err)
	}
	switch v := rawData["subscription"].(type) {
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id, nil
		}
	case string:
		return v, nil
	}
	return "", nil
}

// normalizeEventType strips Stripe's customer. prefix so the event log
// holds processor-neutral type names.
func normalizeEventType(t string) string {
	switch t {
	case "customer.subscription.created":
		return tiergate.EventSubscriptionCreated
	case "customer.subscription.updated":
		return tiergate.EventSubscriptionUpdated
	case "customer.subscription.trial_will_end":
		return tiergate.EventTrialWillEnd
	case "customer.subscription.deleted":
		return tiergate.EventSubscriptionDeleted
	case "invoice.payment_succeeded", "invoice.paid":
		return tiergate.EventInvoicePaid
	case "invoice.payment_failed":
		return tiergate.EventInvoicePaymentFailed
	default:
		return t
	}
}

func payloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
