package tiergate

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultCASRetries       = 3
	defaultSelfHealInterval = time.Minute
)

// Config holds manager configuration.
type Config struct {
	// Users, Subscriptions and Events are the three stores (required).
	Users         UserStore
	Subscriptions SubscriptionStore
	Events        EventStore

	// Processor is the outbound payment processor client. Required for
	// reconciliation, admin cancel and self-healing ingestion; a manager
	// without one still applies webhook payload data.
	Processor Processor

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking engine operations (default: NoopMetrics).
	Metrics Metrics

	// TrialNotifier receives trial_will_end signals (optional).
	TrialNotifier TrialNotifier

	// Clock overrides the time source (default: time.Now UTC). Tests use
	// a fixed clock for deterministic trial arithmetic.
	Clock func() time.Time

	// CASRetries bounds optimistic-lock retries before surfacing
	// ErrConcurrentModification (default: 3).
	CASRetries int

	// SelfHealInterval rate-limits processor fetches for unknown
	// subscription ids, per id (default: 1 minute).
	SelfHealInterval time.Duration
}

// Manager applies domain events to subscription state, resolves
// entitlements, reconciles against the processor and executes privileged
// admin mutations. All mutations for a given user are serialized through a
// per-user lock.
type Manager struct {
	users  UserStore
	subs   SubscriptionStore
	events EventStore

	processor Processor
	notifier  TrialNotifier

	logger  Logger
	metrics Metrics
	clock   func() time.Time

	locks      *userLocks
	casRetries int

	// Self-healing fetch plumbing: singleflight collapses concurrent
	// fetches for the same subscription id, lastSelfHeal rate-limits
	// repeats to avoid fetch storms on replayed events.
	selfHealGroup    singleflight.Group
	selfHealMu       sync.Mutex
	lastSelfHeal     map[string]time.Time
	selfHealInterval time.Duration
}

// NewManager creates a new entitlement manager.
func NewManager(config Config) (*Manager, error) {
	if config.Users == nil || config.Subscriptions == nil || config.Events == nil {
		return nil, ErrStoreUnavailable
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	clock := config.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	casRetries := config.CASRetries
	if casRetries <= 0 {
		casRetries = defaultCASRetries
	}
	selfHealInterval := config.SelfHealInterval
	if selfHealInterval <= 0 {
		selfHealInterval = defaultSelfHealInterval
	}

	return &Manager{
		users:            config.Users,
		subs:             config.Subscriptions,
		events:           config.Events,
		processor:        config.Processor,
		notifier:         config.TrialNotifier,
		logger:           logger,
		metrics:          metrics,
		clock:            clock,
		locks:            newUserLocks(),
		casRetries:       casRetries,
		lastSelfHeal:     make(map[string]time.Time),
		selfHealInterval: selfHealInterval,
	}, nil
}
