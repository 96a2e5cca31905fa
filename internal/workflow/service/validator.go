package service

import (
	"context"
	"fmt"
	"time"

	"iam-workflow/backend/internal/workflow/domain"
)

// StepValidator decides whether a caller may act on a step of a session.
type StepValidator struct {
	store StepStore
	now   func() time.Time
}

// NewStepValidator returns a validator over store.
func NewStepValidator(store StepStore) *StepValidator {
	return &StepValidator{store: store, now: time.Now}
}

// Validate loads the session and locates the row of kind expected. On CodeExpired every row of
// the session has been deleted and the loaded rows are still returned so the caller can clean
// up what they reference. The returned steps are a private copy.
func (v *StepValidator) Validate(ctx context.Context, sessionToken string, expected domain.StepKind) ([]domain.Step, int, domain.ErrorCode, error) {
	if sessionToken == "" {
		return nil, -1, domain.CodeInvalidSession, nil
	}
	steps, err := v.store.GetSteps(ctx, sessionToken)
	if err != nil {
		return nil, -1, "", fmt.Errorf("get steps: %w", err)
	}
	idx, code := domain.Locate(steps, expected, v.now())
	if code == domain.CodeExpired {
		if err := v.store.DeleteSteps(ctx, sessionToken); err != nil {
			return nil, -1, "", fmt.Errorf("delete expired steps: %w", err)
		}
	}
	return append([]domain.Step(nil), steps...), idx, code, nil
}
