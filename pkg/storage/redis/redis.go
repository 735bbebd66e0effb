// Package redis provides a Redis implementation of the tiergate store
// interfaces. Version bumps and the compare-and-swap update run as Lua
// scripts so concurrent writers cannot interleave between read and
// write.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// Storage implements tiergate.UserStore, tiergate.SubscriptionStore and
// tiergate.EventStore using Redis.
//
// Layout:
//
//	<prefix>user:<id>       string, JSON user record
//	<prefix>sub:<id>        hash  {data, user, version}
//	<prefix>user_subs:<id>  set of subscription ids
//	<prefix>event:<id>      hash  {data, processed_at}
//	<prefix>events          zset, scored by received_at (unix nanos)
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "tiergate:")
	KeyPrefix string

	// EventTTL is the TTL for webhook event records (0 = no expiration).
	// Subscriptions and users never expire.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "tiergate:",
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "tiergate:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations.
func (s *Storage) loadScripts() {
	// Upsert a subscription: bump the version field, reindex the user
	// set when the owner changed.
	s.scripts["upsert"] = redis.NewScript(`
		local subKey = KEYS[1]
		local userSetKey = KEYS[2]
		local setPrefix = ARGV[1]
		local userID = ARGV[2]
		local data = ARGV[3]

		local oldUser = redis.call('HGET', subKey, 'user')
		if oldUser and oldUser ~= userID then
			redis.call('SREM', setPrefix .. oldUser, ARGV[4])
		end

		local version = redis.call('HINCRBY', subKey, 'version', 1)
		redis.call('HSET', subKey, 'data', data, 'user', userID)
		redis.call('SADD', userSetKey, ARGV[4])

		return version
	`)

	// Compare-and-swap update: write only if the stored version still
	// matches the expected one.
	s.scripts["update"] = redis.NewScript(`
		local subKey = KEYS[1]
		local expected = tonumber(ARGV[1])
		local data = ARGV[2]

		local version = redis.call('HGET', subKey, 'version')
		if not version then
			return 'not_found'
		end
		if tonumber(version) ~= expected then
			return 'conflict'
		end

		redis.call('HSET', subKey, 'data', data, 'version', expected + 1)
		return 'ok'
	`)

	// Insert an event only once and index it for the recency listing.
	s.scripts["insertEvent"] = redis.NewScript(`
		local eventKey = KEYS[1]
		local indexKey = KEYS[2]
		local data = ARGV[1]
		local score = ARGV[2]
		local eventID = ARGV[3]
		local ttl = tonumber(ARGV[4])

		if redis.call('EXISTS', eventKey) == 1 then
			return 'exists'
		end

		redis.call('HSET', eventKey, 'data', data)
		redis.call('ZADD', indexKey, score, eventID)
		if ttl > 0 then
			redis.call('EXPIRE', eventKey, ttl)
		end
		return 'ok'
	`)
}

// GetUser implements tiergate.UserStore.
func (s *Storage) GetUser(ctx context.Context, userID string) (*tiergate.User, error) {
	data, err := s.client.Get(ctx, s.userKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, tiergate.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var user tiergate.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}

// SaveUser implements tiergate.UserStore.
func (s *Storage) SaveUser(ctx context.Context, user *tiergate.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	if err := s.client.Set(ctx, s.userKey(user.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetSubscription implements tiergate.SubscriptionStore.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*tiergate.Subscription, error) {
	fields, err := s.client.HMGet(ctx, s.subKey(id), "data", "version").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if fields[0] == nil || fields[1] == nil {
		return nil, tiergate.ErrSubscriptionNotFound
	}
	return decodeSubscription(fields[0], fields[1])
}

// ListSubscriptions implements tiergate.SubscriptionStore.
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*tiergate.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.userSubsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	var subs []*tiergate.Subscription
	for _, id := range ids {
		sub, err := s.GetSubscription(ctx, id)
		if err == tiergate.ErrSubscriptionNotFound {
			continue // index can lag behind a reassigned row
		}
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// UpsertSubscription implements tiergate.SubscriptionStore.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *tiergate.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data, err := encodeSubscription(sub)
	if err != nil {
		return err
	}

	err = s.scripts["upsert"].Run(ctx, s.client,
		[]string{s.subKey(sub.ID), s.userSubsKey(sub.UserID)},
		s.config.KeyPrefix+"user_subs:", sub.UserID, data, sub.ID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements tiergate.SubscriptionStore.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *tiergate.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data, err := encodeSubscription(sub)
	if err != nil {
		return err
	}

	res, err := s.scripts["update"].Run(ctx, s.client,
		[]string{s.subKey(sub.ID)},
		sub.Version, data,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "not_found":
		return tiergate.ErrSubscriptionNotFound
	case "conflict":
		return tiergate.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected update result: %s", res)
	}
}

// InsertEvent implements tiergate.EventStore.
func (s *Storage) InsertEvent(ctx context.Context, ev *tiergate.WebhookEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid event")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	res, err := s.scripts["insertEvent"].Run(ctx, s.client,
		[]string{s.eventKey(ev.EventID), s.eventsIndexKey()},
		data, ev.ReceivedAt.UnixNano(), ev.EventID, int64(s.config.EventTTL.Seconds()),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if res == "exists" {
		return tiergate.ErrEventExists
	}
	return nil
}

// GetEvent implements tiergate.EventStore.
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*tiergate.WebhookEvent, error) {
	fields, err := s.client.HMGet(ctx, s.eventKey(eventID), "data", "processed_at").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if fields[0] == nil {
		return nil, tiergate.ErrEventNotFound
	}
	return decodeEvent(fields[0], fields[1])
}

// MarkProcessed implements tiergate.EventStore.
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	exists, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check event: %w", err)
	}
	if exists == 0 {
		return tiergate.ErrEventNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, s.eventKey(eventID), "processed_at", now).Err(); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// ListRecent implements tiergate.EventStore, newest first.
func (s *Storage) ListRecent(ctx context.Context, limit int) ([]*tiergate.WebhookEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := s.client.ZRevRange(ctx, s.eventsIndexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	var events []*tiergate.WebhookEvent
	for _, id := range ids {
		ev, err := s.GetEvent(ctx, id)
		if err == tiergate.ErrEventNotFound {
			continue // the record expired but the index entry survived
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Ping checks the Redis connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) subKey(id string) string {
	return s.config.KeyPrefix + "sub:" + id
}

func (s *Storage) userSubsKey(userID string) string {
	return s.config.KeyPrefix + "user_subs:" + userID
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) eventsIndexKey() string {
	return s.config.KeyPrefix + "events"
}

// encodeSubscription strips the version before serializing; the hash
// field owns it.
func encodeSubscription(sub *tiergate.Subscription) (string, error) {
	clone := *sub
	clone.Version = 0
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("failed to encode subscription: %w", err)
	}
	return string(data), nil
}

func decodeSubscription(dataField, versionField interface{}) (*tiergate.Subscription, error) {
	data, ok := dataField.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected subscription data type %T", dataField)
	}

	var sub tiergate.Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}

	if raw, ok := versionField.(string); ok {
		if _, err := fmt.Sscanf(raw, "%d", &sub.Version); err != nil {
			return nil, fmt.Errorf("failed to parse subscription version: %w", err)
		}
	}
	return &sub, nil
}

func decodeEvent(dataField, processedField interface{}) (*tiergate.WebhookEvent, error) {
	data, ok := dataField.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected event data type %T", dataField)
	}

	var ev tiergate.WebhookEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	if raw, ok := processedField.(string); ok && raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse processed_at: %w", err)
		}
		ev.ProcessedAt = &at
	}
	return &ev, nil
}
