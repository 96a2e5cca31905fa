package repository

import (
	"context"

	"iam-workflow/backend/internal/membership/domain"
)

// Repository defines persistence for memberships.
type Repository interface {
	ListByUser(ctx context.Context, userID string) ([]*domain.Membership, error)
	GetByUserAndTenant(ctx context.Context, userID, tenantID string) (*domain.Membership, error)
	Create(ctx context.Context, m *domain.Membership) error
}
