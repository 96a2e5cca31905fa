package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"iam-workflow/backend/internal/policy/domain"
	"iam-workflow/backend/internal/security"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const policyColumns = `id, tenant_id, rules, enabled, created_at`

func scanPolicy(s interface{ Scan(...any) error }) (*domain.Policy, error) {
	var p domain.Policy
	if err := s.Scan(&p.ID, &p.TenantID, &p.Rules, &p.Enabled, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID returns the policy for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	p, err := scanPolicy(r.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ListByTenant returns all policies for the given tenant. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
}

// GetEnabledPoliciesByTenant returns the enabled policies for the given tenant.
func (r *PostgresRepository) GetEnabledPoliciesByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 AND enabled ORDER BY created_at`, tenantID)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Create persists the policy to the database. The policy must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO policies (id, tenant_id, rules, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5)`, p.ID, p.TenantID, p.Rules, p.Enabled, p.CreatedAt)
	return err
}

// Update updates the existing policy record in the database. Returns an error if the update fails.
func (r *PostgresRepository) Update(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx, `UPDATE policies SET rules = $2, enabled = $3 WHERE id = $1`, p.ID, p.Rules, p.Enabled)
	return err
}

// Delete removes the policy by id.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	return err
}

// GetPasswordPolicy returns the tenant's password policy, or nil when the tenant has none.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetPasswordPolicy(ctx context.Context, tenantID string) (*domain.PasswordPolicy, error) {
	var p domain.PasswordPolicy
	var history, rotation int64
	var alg string
	err := r.db.QueryRowContext(ctx, `SELECT tenant_id, min_length, max_length, require_upper, require_lower,
		require_number, require_special, allowed_special_characters, history_period_seconds,
		rotation_period_seconds, hash_algorithm
		FROM password_policies WHERE tenant_id = $1`, tenantID).
		Scan(&p.TenantID, &p.MinLength, &p.MaxLength, &p.RequireUpper, &p.RequireLower,
			&p.RequireNumber, &p.RequireSpecial, &p.AllowedSpecialCharacters, &history, &rotation, &alg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.HistoryPeriod = time.Duration(history) * time.Second
	p.RotationPeriod = time.Duration(rotation) * time.Second
	p.HashAlgorithm = security.Algorithm(alg)
	return &p, nil
}

// UpsertPasswordPolicy creates or replaces the tenant's password policy.
func (r *PostgresRepository) UpsertPasswordPolicy(ctx context.Context, p *domain.PasswordPolicy) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO password_policies (tenant_id, min_length, max_length,
		require_upper, require_lower, require_number, require_special, allowed_special_characters,
		history_period_seconds, rotation_period_seconds, hash_algorithm)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id) DO UPDATE SET
			min_length = EXCLUDED.min_length, max_length = EXCLUDED.max_length,
			require_upper = EXCLUDED.require_upper, require_lower = EXCLUDED.require_lower,
			require_number = EXCLUDED.require_number, require_special = EXCLUDED.require_special,
			allowed_special_characters = EXCLUDED.allowed_special_characters,
			history_period_seconds = EXCLUDED.history_period_seconds,
			rotation_period_seconds = EXCLUDED.rotation_period_seconds,
			hash_algorithm = EXCLUDED.hash_algorithm`,
		p.TenantID, p.MinLength, p.MaxLength, p.RequireUpper, p.RequireLower, p.RequireNumber, p.RequireSpecial,
		p.AllowedSpecialCharacters, int64(p.HistoryPeriod/time.Second), int64(p.RotationPeriod/time.Second),
		string(p.HashAlgorithm))
	return err
}

// GetFailurePolicy returns the tenant's failure policy, or nil when the tenant has none.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetFailurePolicy(ctx context.Context, tenantID string) (*domain.FailurePolicy, error) {
	var p domain.FailurePolicy
	var pause int64
	err := r.db.QueryRowContext(ctx, `SELECT tenant_id, type, threshold, max_failures, pause_duration_seconds
		FROM failure_policies WHERE tenant_id = $1`, tenantID).
		Scan(&p.TenantID, &p.Type, &p.Threshold, &p.MaxFailures, &pause)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.PauseDuration = time.Duration(pause) * time.Second
	return &p, nil
}

// UpsertFailurePolicy creates or replaces the tenant's failure policy.
func (r *PostgresRepository) UpsertFailurePolicy(ctx context.Context, p *domain.FailurePolicy) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO failure_policies (tenant_id, type, threshold, max_failures, pause_duration_seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET type = EXCLUDED.type, threshold = EXCLUDED.threshold,
			max_failures = EXCLUDED.max_failures, pause_duration_seconds = EXCLUDED.pause_duration_seconds`,
		p.TenantID, string(p.Type), p.Threshold, p.MaxFailures, int64(p.PauseDuration/time.Second))
	return err
}
