package repository

import (
	"context"

	"iam-workflow/backend/internal/audit/domain"
)

// Repository appends to the audit trail. Entries are never updated or read back by the engine.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
}
