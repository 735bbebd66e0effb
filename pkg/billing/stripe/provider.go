package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tiergate/tiergate/pkg/billing"
	"github.com/tiergate/tiergate/pkg/billing/internal"
	"github.com/tiergate/tiergate/pkg/tiergate"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBody           = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, PriceTiers, etc.)

	// Retry bounds outbound API retries for transient failures.
	Retry billing.RetryConfig
}

// Provider implements the billing.Provider interface for Stripe. It is
// both the webhook ingestion gateway (inbound) and the processor client
// used by reconciliation and admin cancel (outbound).
type Provider struct {
	manager       *tiergate.Manager
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	priceTiers    map[string]tiergate.Tier
	webhookSecret []byte
	stripeClient  *stripe.Client
	metrics       billing.Metrics
	retry         billing.RetryConfig
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	priceTiers := make(map[string]tiergate.Tier, len(config.PriceTiers))
	for priceID, tierName := range config.PriceTiers {
		tier, err := tiergate.ParseTier(tierName)
		if err != nil {
			return nil, err
		}
		priceTiers[strings.ToLower(priceID)] = tier
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		manager:       config.Manager,
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		priceTiers:    priceTiers,
		webhookSecret: []byte(strings.TrimSpace(config.WebhookSecret)),
		stripeClient:  stripe.NewClient(apiKey),
		metrics:       metrics,
		retry:         config.Retry,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// mapPriceToTier maps a Stripe price id to a tiergate tier. Unknown
// prices resolve to the lowest paid tier so a paying customer is never
// gated free by a configuration gap.
func (p *Provider) mapPriceToTier(priceID string) tiergate.Tier {
	if tier, ok := p.priceTiers[strings.ToLower(strings.TrimSpace(priceID))]; ok {
		return tier
	}
	return tiergate.TierBasic
}

// mapStatus converts a Stripe subscription status to the local state set.
func mapStatus(s stripe.SubscriptionStatus) tiergate.Status {
	switch s {
	case stripe.SubscriptionStatusTrialing:
		return tiergate.StatusTrialing
	case stripe.SubscriptionStatusActive:
		return tiergate.StatusActive
	case stripe.SubscriptionStatusPastDue:
		return tiergate.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return tiergate.StatusCanceled
	default:
		return tiergate.StatusIncomplete
	}
}

// toSubscription converts a Stripe subscription object into the local
// aggregate. The owner is taken from subscription metadata; checkout
// injects metadata.user_id exactly for this purpose.
func (p *Provider) toSubscription(sub *stripe.Subscription) *tiergate.Subscription {
	out := &tiergate.Subscription{
		ID:                sub.ID,
		Status:            mapStatus(sub.Status),
		Tier:              tiergate.TierBasic,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CreatedAt:         time.Unix(sub.Created, 0).UTC(),
	}

	if sub.Metadata != nil {
		out.UserID = sub.Metadata["user_id"]
	}

	if sub.TrialEnd > 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0).UTC()
		out.TrialEnd = &trialEnd
	}

	// Pick the highest tier across items; period end is carried per item
	// in the v83 API, take the latest.
	best := -1
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			tier := p.mapPriceToTier(item.Price.ID)
			if tier.Weight() > best {
				best = tier.Weight()
				out.Tier = tier
			}
			if item.CurrentPeriodEnd > 0 {
				end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				if end.After(out.CurrentPeriodEnd) {
					out.CurrentPeriodEnd = end
				}
			}
		}
	}

	return out
}
