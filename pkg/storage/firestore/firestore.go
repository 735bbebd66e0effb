// Package firestore provides a Firestore implementation of the tiergate
// store interfaces. Versioned subscription writes run inside Firestore
// transactions; event dedup uses Create, which fails on an existing
// document id.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// Storage implements tiergate.UserStore, tiergate.SubscriptionStore and
// tiergate.EventStore using Google Cloud Firestore.
type Storage struct {
	client                  *firestore.Client
	usersCollection         string
	subscriptionsCollection string
	eventsCollection        string
}

// Config holds Firestore storage configuration.
type Config struct {
	// UsersCollection is the Firestore collection for user records.
	// Default: "entitlement_users"
	UsersCollection string

	// SubscriptionsCollection is the Firestore collection for
	// subscription records. Default: "entitlement_subscriptions"
	SubscriptionsCollection string

	// EventsCollection is the Firestore collection for the webhook
	// event log. Default: "entitlement_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter.
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "entitlement_users"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "entitlement_subscriptions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "entitlement_events"
	}

	return &Storage{
		client:                  client,
		usersCollection:         config.UsersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		eventsCollection:        config.EventsCollection,
	}, nil
}

// GetUser implements tiergate.UserStore.
func (s *Storage) GetUser(ctx context.Context, userID string) (*tiergate.User, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, tiergate.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return userFromDoc(userID, snap.Data()), nil
}

// SaveUser implements tiergate.UserStore.
func (s *Storage) SaveUser(ctx context.Context, user *tiergate.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	doc := s.client.Collection(s.usersCollection).Doc(user.ID)
	_, err := doc.Set(ctx, userToDoc(user))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetSubscription implements tiergate.SubscriptionStore.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*tiergate.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, tiergate.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromDoc(id, snap.Data()), nil
}

// ListSubscriptions implements tiergate.SubscriptionStore.
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*tiergate.Subscription, error) {
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Documents(ctx)
	defer iter.Stop()

	var subs []*tiergate.Subscription
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subs = append(subs, subscriptionFromDoc(snap.Ref.ID, snap.Data()))
	}
	return subs, nil
}

// UpsertSubscription implements tiergate.SubscriptionStore. The version
// bump happens inside a transaction so concurrent upserts serialize.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *tiergate.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		version := int64(1)
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			version = getInt64(snap.Data(), "version") + 1
		}

		data := subscriptionToDoc(sub)
		data["version"] = version
		return tx.Set(doc, data)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements tiergate.SubscriptionStore with a
// transactional compare-and-swap on the version field.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *tiergate.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return tiergate.ErrSubscriptionNotFound
			}
			return err
		}
		if getInt64(snap.Data(), "version") != sub.Version {
			return tiergate.ErrVersionConflict
		}

		data := subscriptionToDoc(sub)
		data["version"] = sub.Version + 1
		return tx.Set(doc, data)
	})

	switch {
	case err == nil:
		return nil
	case err == tiergate.ErrSubscriptionNotFound || err == tiergate.ErrVersionConflict:
		return err
	default:
		return fmt.Errorf("failed to update subscription: %w", err)
	}
}

// InsertEvent implements tiergate.EventStore.
func (s *Storage) InsertEvent(ctx context.Context, ev *tiergate.WebhookEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid event")
	}

	doc := s.client.Collection(s.eventsCollection).Doc(ev.EventID)
	_, err := doc.Create(ctx, eventToDoc(ev))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return tiergate.ErrEventExists
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetEvent implements tiergate.EventStore.
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*tiergate.WebhookEvent, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, tiergate.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return eventFromDoc(eventID, snap.Data()), nil
}

// MarkProcessed implements tiergate.EventStore.
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	doc := s.client.Collection(s.eventsCollection).Doc(eventID)
	_, err := doc.Update(ctx, []firestore.Update{
		{Path: "processedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return tiergate.ErrEventNotFound
		}
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// ListRecent implements tiergate.EventStore, newest first.
func (s *Storage) ListRecent(ctx context.Context, limit int) ([]*tiergate.WebhookEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	iter := s.client.Collection(s.eventsCollection).
		OrderBy("receivedAt", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var events []*tiergate.WebhookEvent
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
		events = append(events, eventFromDoc(snap.Ref.ID, snap.Data()))
	}
	return events, nil
}

// Document mapping helpers. Firestore stores tiers and statuses as plain
// strings; zero timestamps are stored as nil fields.

func userToDoc(user *tiergate.User) map[string]interface{} {
	data := map[string]interface{}{
		"email":       user.Email,
		"isAdmin":     user.IsAdmin,
		"customerRef": user.CustomerRef,
		"updatedAt":   time.Now().UTC(),
	}
	if user.OverrideTier != nil {
		data["overrideTier"] = string(*user.OverrideTier)
	}
	if user.OverrideExpiresAt != nil {
		data["overrideExpiresAt"] = *user.OverrideExpiresAt
	}
	return data
}

func userFromDoc(id string, data map[string]interface{}) *tiergate.User {
	user := &tiergate.User{
		ID:          id,
		Email:       getString(data, "email"),
		IsAdmin:     getBool(data, "isAdmin"),
		CustomerRef: getString(data, "customerRef"),
	}
	if raw := getString(data, "overrideTier"); raw != "" {
		tier := tiergate.Tier(raw)
		user.OverrideTier = &tier
	}
	if at, ok := data["overrideExpiresAt"].(time.Time); ok {
		user.OverrideExpiresAt = &at
	}
	return user
}

func subscriptionToDoc(sub *tiergate.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"userId":            sub.UserID,
		"status":            string(sub.Status),
		"tier":              string(sub.Tier),
		"currentPeriodEnd":  sub.CurrentPeriodEnd,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"synthetic":         sub.Synthetic,
		"createdAt":         sub.CreatedAt,
		"updatedAt":         sub.UpdatedAt,
	}
	if sub.TrialEnd != nil {
		data["trialEnd"] = *sub.TrialEnd
	}
	return data
}

func subscriptionFromDoc(id string, data map[string]interface{}) *tiergate.Subscription {
	sub := &tiergate.Subscription{
		ID:                id,
		UserID:            getString(data, "userId"),
		Status:            tiergate.Status(getString(data, "status")),
		Tier:              tiergate.Tier(getString(data, "tier")),
		CurrentPeriodEnd:  getTime(data, "currentPeriodEnd"),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
		Synthetic:         getBool(data, "synthetic"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
		Version:           getInt64(data, "version"),
	}
	if at, ok := data["trialEnd"].(time.Time); ok {
		sub.TrialEnd = &at
	}
	return sub
}

func eventToDoc(ev *tiergate.WebhookEvent) map[string]interface{} {
	data := map[string]interface{}{
		"type":        ev.Type,
		"receivedAt":  ev.ReceivedAt,
		"payloadHash": ev.PayloadHash,
	}
	if ev.ProcessedAt != nil {
		data["processedAt"] = *ev.ProcessedAt
	}
	return data
}

func eventFromDoc(id string, data map[string]interface{}) *tiergate.WebhookEvent {
	ev := &tiergate.WebhookEvent{
		EventID:     id,
		Type:        getString(data, "type"),
		ReceivedAt:  getTime(data, "receivedAt"),
		PayloadHash: getString(data, "payloadHash"),
	}
	if at, ok := data["processedAt"].(time.Time); ok {
		ev.ProcessedAt = &at
	}
	return ev
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt64(data map[string]interface{}, key string) int64 {
	if v, ok := data[key].(int64); ok {
		return v
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
