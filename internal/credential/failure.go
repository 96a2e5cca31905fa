package credential

import (
	"time"

	"github.com/google/uuid"

	policydomain "iam-workflow/backend/internal/policy/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
)

// FailurePolicyEngine decides the consequence of a failed credential check.
type FailurePolicyEngine struct{}

// Paused reports whether a Pause policy currently blocks attempts. Only the most recent record
// is consulted.
func (FailurePolicyEngine) Paused(p policydomain.FailurePolicy, attempts []userdomain.FailedAttempt, now time.Time) bool {
	if p.Type != policydomain.FailurePause {
		return false
	}
	last := userdomain.Last(attempts)
	return last != nil && last.NextLoginNotBefore.After(now)
}

// Next returns the record to append for a new failure and whether the user must be locked.
// FailureCount continues from the last record. Under Lock the user is locked once the count
// reaches Threshold. Under Pause the user is locked at MaxFailures; before that every
// Threshold-th failure opens a pause window of PauseDuration and other failures carry none.
func (FailurePolicyEngine) Next(p policydomain.FailurePolicy, attempts []userdomain.FailedAttempt, userID string, now time.Time) (userdomain.FailedAttempt, bool) {
	count := 1
	if last := userdomain.Last(attempts); last != nil {
		count = last.FailureCount + 1
	}
	rec := userdomain.FailedAttempt{
		ID:           uuid.New().String(),
		UserID:       userID,
		FailureAt:    now,
		FailureCount: count,
	}
	lock := false
	switch p.Type {
	case policydomain.FailurePause:
		switch {
		case p.MaxFailures > 0 && count >= p.MaxFailures:
			lock = true
		case p.Threshold > 0 && count%p.Threshold == 0:
			rec.NextLoginNotBefore = now.Add(p.PauseDuration)
		}
	default:
		threshold := p.Threshold
		if threshold <= 0 {
			threshold = policydomain.DefaultFailurePolicy(0).Threshold
		}
		lock = count >= threshold
	}
	if lock {
		rec.NextLoginNotBefore = userdomain.LockedIndefinitely
	}
	return rec, lock
}
