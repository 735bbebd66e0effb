package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/tiergate/tiergate/pkg/billing"
	"github.com/tiergate/tiergate/pkg/tiergate"
)

// Outbound processor calls used by reconciliation, self-healing ingestion
// and admin cancel. All calls retry transient failures (connection
// errors, 5xx) with exponential backoff and fail fast on 4xx.

// ListSubscriptions implements tiergate.Processor.
func (p *Provider) ListSubscriptions(ctx context.Context, customerRef string) ([]*tiergate.Subscription, error) {
	startTime := time.Now()

	var subs []*tiergate.Subscription
	err := billing.Retry(ctx, p.retryFor("/subscriptions/list"), func() error {
		subs = subs[:0]
		params := &stripe.SubscriptionListParams{}
		params.Customer = stripe.String(customerRef)
		params.Status = stripe.String("all")

		var iterErr error
		p.stripeClient.V1Subscriptions.List(ctx, params)(func(sub *stripe.Subscription, err error) bool {
			if err != nil {
				iterErr = classify(err)
				return false
			}
			subs = append(subs, p.toSubscription(sub))
			return true
		})
		return iterErr
	})

	p.recordCall("/subscriptions/list", startTime, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for %s: %w", customerRef, err)
	}
	return subs, nil
}

// GetSubscription implements tiergate.Processor.
func (p *Provider) GetSubscription(ctx context.Context, id string) (*tiergate.Subscription, error) {
	startTime := time.Now()

	var out *tiergate.Subscription
	err := billing.Retry(ctx, p.retryFor("/subscriptions/get"), func() error {
		sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, id, nil)
		if err != nil {
			return classify(err)
		}
		out = p.toSubscription(sub)
		return nil
	})

	p.recordCall("/subscriptions/get", startTime, err)
	if err != nil {
		if isNotFound(err) {
			return nil, tiergate.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", id, err)
	}
	return out, nil
}

// CancelSubscription implements tiergate.Processor. With immediately set
// the subscription is canceled now; otherwise it is flagged to cancel at
// period end and Stripe emits subscription.deleted when the period rolls
// over.
func (p *Provider) CancelSubscription(ctx context.Context, id string, immediately bool) error {
	startTime := time.Now()

	err := billing.Retry(ctx, p.retryFor("/subscriptions/cancel"), func() error {
		if immediately {
			_, err := p.stripeClient.V1Subscriptions.Cancel(ctx, id, nil)
			return classify(err)
		}
		params := &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		_, err := p.stripeClient.V1Subscriptions.Update(ctx, id, params)
		return classify(err)
	})

	p.recordCall("/subscriptions/cancel", startTime, err)
	if err != nil {
		if isNotFound(err) {
			return tiergate.ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to cancel subscription %s: %w", id, err)
	}
	return nil
}

// classify marks 4xx Stripe errors as permanent so the retry loop fails
// fast; everything else (connection errors, 5xx) stays retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 {
			return billing.Permanent(err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404
}

// retryFor hooks retry metrics into the shared backoff loop.
func (p *Provider) retryFor(endpoint string) billing.RetryConfig {
	cfg := p.retry
	cfg.OnRetry = func(int) {
		p.metrics.RecordAPIRetry(providerName, endpoint)
	}
	return cfg
}

func (p *Provider) recordCall(endpoint string, startTime time.Time, err error) {
	status := "200"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
}
