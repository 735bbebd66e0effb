// Package postgres provides a PostgreSQL implementation of the tiergate
// store interfaces. Optimistic concurrency uses a version column checked
// in the UPDATE predicate; event dedup relies on the primary key of
// webhook_events.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// Storage implements tiergate.UserStore, tiergate.SubscriptionStore and
// tiergate.EventStore backed by a pgx connection pool.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetUser implements tiergate.UserStore.
func (s *Storage) GetUser(ctx context.Context, userID string) (*tiergate.User, error) {
	var user tiergate.User
	var overrideTier *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, email, is_admin, customer_ref, override_tier, override_expires_at
			FROM users WHERE id = $1`,
		userID).Scan(
		&user.ID,
		&user.Email,
		&user.IsAdmin,
		&user.CustomerRef,
		&overrideTier,
		&user.OverrideExpiresAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tiergate.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if overrideTier != nil {
		tier := tiergate.Tier(*overrideTier)
		user.OverrideTier = &tier
	}
	return &user, nil
}

// SaveUser implements tiergate.UserStore.
func (s *Storage) SaveUser(ctx context.Context, user *tiergate.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	var overrideTier *string
	if user.OverrideTier != nil {
		t := string(*user.OverrideTier)
		overrideTier = &t
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, is_admin, customer_ref, override_tier, override_expires_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				is_admin = EXCLUDED.is_admin,
				customer_ref = EXCLUDED.customer_ref,
				override_tier = EXCLUDED.override_tier,
				override_expires_at = EXCLUDED.override_expires_at,
				updated_at = NOW()`,
		user.ID, user.Email, user.IsAdmin, user.CustomerRef, overrideTier, user.OverrideExpiresAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetSubscription implements tiergate.SubscriptionStore.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*tiergate.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		selectSubscription+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tiergate.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions implements tiergate.SubscriptionStore.
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*tiergate.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		selectSubscription+` WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*tiergate.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// UpsertSubscription implements tiergate.SubscriptionStore. The version
// column is bumped by the statement itself, never taken from the caller.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *tiergate.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions
				(id, user_id, status, tier, current_period_end, trial_end,
				 cancel_at_period_end, synthetic, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				status = EXCLUDED.status,
				tier = EXCLUDED.tier,
				current_period_end = EXCLUDED.current_period_end,
				trial_end = EXCLUDED.trial_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				synthetic = EXCLUDED.synthetic,
				updated_at = EXCLUDED.updated_at,
				version = subscriptions.version + 1`,
		sub.ID, sub.UserID, string(sub.Status), string(sub.Tier),
		sub.CurrentPeriodEnd, sub.TrialEnd, sub.CancelAtPeriodEnd,
		sub.Synthetic, sub.CreatedAt, sub.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements tiergate.SubscriptionStore. The version
// check lives in the UPDATE predicate so the compare-and-swap is a
// single round trip.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *tiergate.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				user_id = $2,
				status = $3,
				tier = $4,
				current_period_end = $5,
				trial_end = $6,
				cancel_at_period_end = $7,
				synthetic = $8,
				updated_at = $9,
				version = version + 1
			WHERE id = $1 AND version = $10`,
		sub.ID, sub.UserID, string(sub.Status), string(sub.Tier),
		sub.CurrentPeriodEnd, sub.TrialEnd, sub.CancelAtPeriodEnd,
		sub.Synthetic, sub.UpdatedAt, sub.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish a lost CAS from a missing row.
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`,
			sub.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check subscription existence: %w", err)
		}
		if !exists {
			return tiergate.ErrSubscriptionNotFound
		}
		return tiergate.ErrVersionConflict
	}
	return nil
}

// InsertEvent implements tiergate.EventStore.
func (s *Storage) InsertEvent(ctx context.Context, ev *tiergate.WebhookEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid event")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id, type, received_at, payload_hash, processed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.Type, ev.ReceivedAt, ev.PayloadHash, ev.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tiergate.ErrEventExists
	}
	return nil
}

// GetEvent implements tiergate.EventStore.
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*tiergate.WebhookEvent, error) {
	var ev tiergate.WebhookEvent

	err := s.pool.QueryRow(ctx,
		`SELECT event_id, type, received_at, payload_hash, processed_at
			FROM webhook_events WHERE event_id = $1`,
		eventID).Scan(
		&ev.EventID,
		&ev.Type,
		&ev.ReceivedAt,
		&ev.PayloadHash,
		&ev.ProcessedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tiergate.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

// MarkProcessed implements tiergate.EventStore.
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET processed_at = NOW() WHERE event_id = $1`,
		eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tiergate.ErrEventNotFound
	}
	return nil
}

// ListRecent implements tiergate.EventStore, newest first.
func (s *Storage) ListRecent(ctx context.Context, limit int) ([]*tiergate.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, type, received_at, payload_hash, processed_at
			FROM webhook_events
			ORDER BY received_at DESC
			LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*tiergate.WebhookEvent
	for rows.Next() {
		var ev tiergate.WebhookEvent
		if err := rows.Scan(&ev.EventID, &ev.Type, &ev.ReceivedAt, &ev.PayloadHash, &ev.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

const selectSubscription = `SELECT id, user_id, status, tier, current_period_end, trial_end,
		cancel_at_period_end, synthetic, created_at, updated_at, version
	FROM subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*tiergate.Subscription, error) {
	var sub tiergate.Subscription
	var status, tier string

	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&status,
		&tier,
		&sub.CurrentPeriodEnd,
		&sub.TrialEnd,
		&sub.CancelAtPeriodEnd,
		&sub.Synthetic,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&sub.Version,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = tiergate.Status(status)
	sub.Tier = tiergate.Tier(tier)
	return &sub, nil
}
