package domain

import "time"

// Locate finds the row a caller may act on for expected. steps must be sorted by Order.
// It returns CodeExpired when the shared expiry has passed, regardless of whether expected is
// present; the caller is responsible for deleting the session in that case. It returns
// CodeInvalidSession when no row of the expected kind exists and CodeIncompleteState when an
// earlier row is still incomplete.
func Locate(steps []Step, expected StepKind, now time.Time) (int, ErrorCode) {
	if len(steps) == 0 {
		return -1, CodeInvalidSession
	}
	if !now.Before(steps[0].ExpiresAt) {
		return -1, CodeExpired
	}
	idx := -1
	for i, s := range steps {
		if s.Kind == expected {
			idx = i
			break
		}
	}
	if idx < 0 {
		return -1, CodeInvalidSession
	}
	for _, s := range steps[:idx] {
		if s.Status != StatusComplete {
			return -1, CodeIncompleteState
		}
	}
	return idx, CodeOK
}
