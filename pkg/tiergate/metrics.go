package tiergate

// Metrics defines the interface for tracking entitlement engine operations.
// All methods are optional - the manager gracefully handles nil metrics by
// substituting NoopMetrics.
type Metrics interface {
	// RecordEventApplied records one domain event application.
	// outcome: "applied", "noop", "stale", "unknown_type" or "error"
	RecordEventApplied(eventType, outcome string)

	// RecordInvariantViolation records a detected invariant violation.
	// kind: e.g. "duplicate_live_subscriptions"
	RecordInvariantViolation(kind string)

	// RecordReconciliation records one reconciliation run.
	// status: "success" or "error"
	RecordReconciliation(status string)

	// RecordDuplicatesHealed records how many duplicate live
	// subscriptions a healing pass canceled.
	RecordDuplicatesHealed(count int)

	// RecordAdminAction records one privileged mutation.
	// action: "change_tier", "grant_trial" or "cancel"
	RecordAdminAction(action string)

	// RecordSelfHeal records a self-healing subscription fetch.
	// status: "success", "error" or "rate_limited"
	RecordSelfHeal(status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEventApplied(_, _ string)      {}
func (n *NoopMetrics) RecordInvariantViolation(_ string)   {}
func (n *NoopMetrics) RecordReconciliation(_ string)       {}
func (n *NoopMetrics) RecordDuplicatesHealed(_ int)        {}
func (n *NoopMetrics) RecordAdminAction(_ string)          {}
func (n *NoopMetrics) RecordSelfHeal(_ string)             {}
