package repository

import (
	"context"

	"iam-workflow/backend/internal/identity/domain"
)

// Repository defines persistence for federated identity links.
type Repository interface {
	GetByProviderSubject(ctx context.Context, providerID, subject string) (*domain.Identity, error)
	Create(ctx context.Context, i *domain.Identity) error
}
