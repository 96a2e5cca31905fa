package repository

import (
	"context"
	"database/sql"
	"errors"

	"iam-workflow/backend/internal/membership/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a membership repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListByUser returns the memberships of the user. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Membership, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, user_id, tenant_id, source, created_at
		FROM memberships WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ID, &m.UserID, &m.TenantID, &m.Source, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetByUserAndTenant returns the membership for the user and tenant, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByUserAndTenant(ctx context.Context, userID, tenantID string) (*domain.Membership, error) {
	var m domain.Membership
	err := r.db.QueryRowContext(ctx, `SELECT id, user_id, tenant_id, source, created_at
		FROM memberships WHERE user_id = $1 AND tenant_id = $2`, userID, tenantID).
		Scan(&m.ID, &m.UserID, &m.TenantID, &m.Source, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Create persists the membership. The membership must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, m *domain.Membership) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO memberships (id, user_id, tenant_id, source, created_at)
		VALUES ($1, $2, $3, $4, $5)`, m.ID, m.UserID, m.TenantID, string(m.Source), m.CreatedAt)
	return err
}
