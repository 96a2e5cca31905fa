package repository

import (
	"context"

	"iam-workflow/backend/internal/federation/domain"
)

// Repository defines persistence for federated identity providers.
type Repository interface {
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)
	ProviderForDomain(ctx context.Context, emailDomain string) (*domain.Provider, error)
	CreateProvider(ctx context.Context, p *domain.Provider) error
}
