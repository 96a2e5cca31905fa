package repository

import (
	"context"

	"iam-workflow/backend/internal/tenant/domain"
)

// Repository defines persistence for tenants and their routing configuration.
type Repository interface {
	GetTenantByID(ctx context.Context, id string) (*domain.Tenant, error)
	CreateTenant(ctx context.Context, t *domain.Tenant) error
	UpdateTenant(ctx context.Context, t *domain.Tenant) error
	GetRestrictedDomains(ctx context.Context, tenantID string) ([]string, error)
	SetRestrictedDomains(ctx context.Context, tenantID string, domains []string) error
	GetLegacyMigrationConfig(ctx context.Context, tenantID string) (*domain.LegacyMigrationConfig, error)
	UpsertLegacyMigrationConfig(ctx context.Context, c *domain.LegacyMigrationConfig) error
	GetDomainTenantMappings(ctx context.Context, emailDomain string) ([]domain.DomainMapping, error)
	AddDomainTenantMapping(ctx context.Context, m domain.DomainMapping) error
}
