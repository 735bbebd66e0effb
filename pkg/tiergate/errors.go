package tiergate

import "errors"

var (
	// ErrUserNotFound is returned when a user id has no stored record
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound is returned when a subscription id has no stored row
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrEventNotFound is returned when an event id has no stored record
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrEventExists is returned on a duplicate event id insert
	ErrEventExists = errors.New("webhook event already recorded")

	// ErrVersionConflict is returned by stores when an optimistic update
	// loses the compare-and-swap on the version column
	ErrVersionConflict = errors.New("subscription version conflict")

	// ErrConcurrentModification is surfaced after bounded CAS retries are exhausted
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrUpstreamUnavailable is returned when the payment processor is unreachable
	ErrUpstreamUnavailable = errors.New("payment processor unavailable")

	// ErrInvalidTier is returned for unknown tier names
	ErrInvalidTier = errors.New("invalid tier")

	// ErrStoreUnavailable is returned when the manager is constructed without stores
	ErrStoreUnavailable = errors.New("store unavailable")
)
