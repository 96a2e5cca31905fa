package repository

import (
	"context"

	"iam-workflow/backend/internal/policy/domain"
)

// Repository defines persistence for tenant policies: Rego MFA modules plus the password and
// failure policies.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error)
	GetEnabledPoliciesByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) error
	Update(ctx context.Context, p *domain.Policy) error
	Delete(ctx context.Context, id string) error

	GetPasswordPolicy(ctx context.Context, tenantID string) (*domain.PasswordPolicy, error)
	UpsertPasswordPolicy(ctx context.Context, p *domain.PasswordPolicy) error
	GetFailurePolicy(ctx context.Context, tenantID string) (*domain.FailurePolicy, error)
	UpsertFailurePolicy(ctx context.Context, p *domain.FailurePolicy) error
}
