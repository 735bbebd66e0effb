// Package memory provides in-memory implementations of the tiergate
// store interfaces. Primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// Storage implements tiergate.UserStore, tiergate.SubscriptionStore and
// tiergate.EventStore using in-memory maps.
type Storage struct {
	mu            sync.RWMutex
	users         map[string]*tiergate.User
	subscriptions map[string]*tiergate.Subscription
	events        map[string]*tiergate.WebhookEvent
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		users:         make(map[string]*tiergate.User),
		subscriptions: make(map[string]*tiergate.Subscription),
		events:        make(map[string]*tiergate.WebhookEvent),
	}
}

// GetUser implements tiergate.UserStore.
func (s *Storage) GetUser(ctx context.Context, userID string) (*tiergate.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, tiergate.ErrUserNotFound
	}
	return copyUser(user), nil
}

// SaveUser implements tiergate.UserStore.
func (s *Storage) SaveUser(ctx context.Context, user *tiergate.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ID] = copyUser(user)
	return nil
}

// GetSubscription implements tiergate.SubscriptionStore.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*tiergate.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, tiergate.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

// ListSubscriptions implements tiergate.SubscriptionStore.
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*tiergate.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*tiergate.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			subs = append(subs, copySubscription(sub))
		}
	}
	return subs, nil
}

// UpsertSubscription implements tiergate.SubscriptionStore. The stored
// version is bumped on every write; sub.Version is ignored.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *tiergate.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copySubscription(sub)
	if existing, ok := s.subscriptions[sub.ID]; ok {
		stored.Version = existing.Version + 1
	} else {
		stored.Version = 1
	}
	s.subscriptions[sub.ID] = stored
	return nil
}

// UpdateSubscription implements tiergate.SubscriptionStore with an
// optimistic compare-and-swap on Version.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *tiergate.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.ID]
	if !ok {
		return tiergate.ErrSubscriptionNotFound
	}
	if existing.Version != sub.Version {
		return tiergate.ErrVersionConflict
	}

	stored := copySubscription(sub)
	stored.Version = existing.Version + 1
	s.subscriptions[sub.ID] = stored
	return nil
}

// InsertEvent implements tiergate.EventStore.
func (s *Storage) InsertEvent(ctx context.Context, ev *tiergate.WebhookEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.EventID]; ok {
		return tiergate.ErrEventExists
	}
	s.events[ev.EventID] = copyEvent(ev)
	return nil
}

// GetEvent implements tiergate.EventStore.
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*tiergate.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, tiergate.ErrEventNotFound
	}
	return copyEvent(ev), nil
}

// MarkProcessed implements tiergate.EventStore.
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return tiergate.ErrEventNotFound
	}
	now := time.Now().UTC()
	ev.ProcessedAt = &now
	return nil
}

// ListRecent implements tiergate.EventStore, newest first.
func (s *Storage) ListRecent(ctx context.Context, limit int) ([]*tiergate.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*tiergate.WebhookEvent, 0, len(s.events))
	for _, ev := range s.events {
		events = append(events, copyEvent(ev))
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].ReceivedAt.After(events[j].ReceivedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*tiergate.User)
	s.subscriptions = make(map[string]*tiergate.Subscription)
	s.events = make(map[string]*tiergate.WebhookEvent)
}

// Copies prevent callers from mutating stored state through shared
// pointers.

func copyUser(u *tiergate.User) *tiergate.User {
	out := *u
	if u.OverrideTier != nil {
		tier := *u.OverrideTier
		out.OverrideTier = &tier
	}
	if u.OverrideExpiresAt != nil {
		at := *u.OverrideExpiresAt
		out.OverrideExpiresAt = &at
	}
	return &out
}

func copySubscription(sub *tiergate.Subscription) *tiergate.Subscription {
	out := *sub
	if sub.TrialEnd != nil {
		at := *sub.TrialEnd
		out.TrialEnd = &at
	}
	return &out
}

func copyEvent(ev *tiergate.WebhookEvent) *tiergate.WebhookEvent {
	out := *ev
	if ev.ProcessedAt != nil {
		at := *ev.ProcessedAt
		out.ProcessedAt = &at
	}
	return &out
}
