package repository

import (
	"context"
	"database/sql"
	"errors"

	"iam-workflow/backend/internal/identity/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an identity repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByProviderSubject returns the identity linked to subject at the provider, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByProviderSubject(ctx context.Context, providerID, subject string) (*domain.Identity, error) {
	var i domain.Identity
	err := r.db.QueryRowContext(ctx, `SELECT id, user_id, provider_id, provider_subject, created_at
		FROM identities WHERE provider_id = $1 AND provider_subject = $2`, providerID, subject).
		Scan(&i.ID, &i.UserID, &i.ProviderID, &i.ProviderSubject, &i.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &i, nil
}

// Create links a user to a provider subject. Linking the same subject twice is a no-op.
func (r *PostgresRepository) Create(ctx context.Context, i *domain.Identity) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO identities (id, user_id, provider_id, provider_subject, created_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (provider_id, provider_subject) DO NOTHING`,
		i.ID, i.UserID, i.ProviderID, i.ProviderSubject, i.CreatedAt)
	return err
}
