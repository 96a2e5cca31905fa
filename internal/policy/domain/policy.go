package domain

import "time"

// Policy is a tenant-scoped Rego module evaluated by the MFA policy engine.
type Policy struct {
	ID        string
	TenantID  string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}

// FailureType selects what happens once failed credential checks accumulate.
type FailureType string

const (
	// FailureLock locks the user permanently once Threshold failures accumulate.
	FailureLock FailureType = "lock"
	// FailurePause blocks attempts for PauseDuration after every Threshold-th failure and locks
	// permanently at MaxFailures.
	FailurePause FailureType = "pause"
)

// FailurePolicy is a tenant's credential-failure policy.
type FailurePolicy struct {
	TenantID      string
	Type          FailureType
	Threshold     int
	MaxFailures   int
	PauseDuration time.Duration
}

// DefaultFailurePolicy is applied when a tenant has no policy configured.
func DefaultFailurePolicy(threshold int) FailurePolicy {
	if threshold <= 0 {
		threshold = 5
	}
	return FailurePolicy{Type: FailureLock, Threshold: threshold}
}
