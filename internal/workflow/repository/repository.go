package repository

import (
	"context"
	"time"

	"iam-workflow/backend/internal/workflow/domain"
)

// Repository defines persistence for workflow step rows.
type Repository interface {
	// CreateSteps inserts a new session. The rows must pass domain.ValidateSequence.
	CreateSteps(ctx context.Context, steps []domain.Step) error
	// GetSteps returns the session's rows ordered by Order; empty when the session is unknown.
	GetSteps(ctx context.Context, sessionToken string) ([]domain.Step, error)
	UpdateStep(ctx context.Context, s domain.Step) error
	DeleteSteps(ctx context.Context, sessionToken string) error
	// ReplaceSteps atomically swaps every row of the session for steps.
	ReplaceSteps(ctx context.Context, sessionToken string, steps []domain.Step) error
	// ListExpiredSessions returns up to limit session tokens whose expiry is not after before.
	ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]string, error)
	// CountUserSessions returns how many sessions have rows referencing userID.
	CountUserSessions(ctx context.Context, userID string) (int, error)
}
