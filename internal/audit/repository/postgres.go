package repository

import (
	"context"
	"database/sql"

	"iam-workflow/backend/internal/audit/domain"
)

// PostgresRepository appends audit entries to the audit_logs table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create validates and inserts the entry.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	if err := a.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO audit_logs
		(id, tenant_id, user_id, action, resource, ip, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TenantID, nullString(a.UserID), a.Action, a.Resource, a.IP, nullString(a.Metadata), a.CreatedAt)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
