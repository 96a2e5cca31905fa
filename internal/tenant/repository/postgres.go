package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"iam-workflow/backend/internal/tenant/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a tenant repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetTenantByID returns the tenant for id, or nil if not found. RestrictedDomains is not
// populated; see GetRestrictedDomains.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetTenantByID(ctx context.Context, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := r.db.QueryRowContext(ctx, `SELECT id, name, status, self_registration_allowed, federation_exclusive,
		totp_required, security_key_required, terms_required, recovery_email_required,
		duress_password_enabled, captcha_required, created_at
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.SelfRegistrationAllowed, &t.FederationExclusive,
			&t.TotpRequired, &t.SecurityKeyRequired, &t.TermsRequired, &t.RecoveryEmailRequired,
			&t.DuressPasswordEnabled, &t.CaptchaRequired, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// CreateTenant persists the tenant to the database. The tenant must have ID set.
func (r *PostgresRepository) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO tenants (id, name, status, self_registration_allowed,
		federation_exclusive, totp_required, security_key_required, terms_required, recovery_email_required,
		duress_password_enabled, captcha_required, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, string(t.Status), t.SelfRegistrationAllowed, t.FederationExclusive, t.TotpRequired,
		t.SecurityKeyRequired, t.TermsRequired, t.RecoveryEmailRequired, t.DuressPasswordEnabled,
		t.CaptchaRequired, t.CreatedAt)
	return err
}

// UpdateTenant updates the existing tenant record in the database. Returns an error if the update fails.
func (r *PostgresRepository) UpdateTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tenants SET name = $2, status = $3, self_registration_allowed = $4,
		federation_exclusive = $5, totp_required = $6, security_key_required = $7, terms_required = $8,
		recovery_email_required = $9, duress_password_enabled = $10, captcha_required = $11
		WHERE id = $1`,
		t.ID, t.Name, string(t.Status), t.SelfRegistrationAllowed, t.FederationExclusive, t.TotpRequired,
		t.SecurityKeyRequired, t.TermsRequired, t.RecoveryEmailRequired, t.DuressPasswordEnabled, t.CaptchaRequired)
	return err
}

// GetRestrictedDomains returns the email domains the tenant is restricted to. Empty means unrestricted.
func (r *PostgresRepository) GetRestrictedDomains(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT domain FROM tenant_restricted_domains WHERE tenant_id = $1 ORDER BY domain`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetRestrictedDomains replaces the tenant's restricted domain set in one transaction.
func (r *PostgresRepository) SetRestrictedDomains(ctx context.Context, tenantID string, domains []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_restricted_domains WHERE tenant_id = $1`, tenantID); err != nil {
		return err
	}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tenant_restricted_domains (tenant_id, domain) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, tenantID, d); err != nil {
			return fmt.Errorf("insert domain %q: %w", d, err)
		}
	}
	return tx.Commit()
}

// GetLegacyMigrationConfig returns the tenant's migration config, or nil if none is configured.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetLegacyMigrationConfig(ctx context.Context, tenantID string) (*domain.LegacyMigrationConfig, error) {
	var c domain.LegacyMigrationConfig
	err := r.db.QueryRowContext(ctx, `SELECT tenant_id, enabled, uri FROM legacy_migration_configs WHERE tenant_id = $1`, tenantID).
		Scan(&c.TenantID, &c.Enabled, &c.URI)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// UpsertLegacyMigrationConfig creates or replaces the tenant's migration config.
func (r *PostgresRepository) UpsertLegacyMigrationConfig(ctx context.Context, c *domain.LegacyMigrationConfig) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO legacy_migration_configs (tenant_id, enabled, uri) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET enabled = EXCLUDED.enabled, uri = EXCLUDED.uri`,
		c.TenantID, c.Enabled, c.URI)
	return err
}

// GetDomainTenantMappings returns the tenants an email domain is routed to.
func (r *PostgresRepository) GetDomainTenantMappings(ctx context.Context, emailDomain string) ([]domain.DomainMapping, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT domain, tenant_id FROM tenant_domain_mappings
		WHERE domain = $1 ORDER BY tenant_id`, strings.ToLower(emailDomain))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DomainMapping
	for rows.Next() {
		var m domain.DomainMapping
		if err := rows.Scan(&m.Domain, &m.TenantID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddDomainTenantMapping routes an email domain to a tenant.
func (r *PostgresRepository) AddDomainTenantMapping(ctx context.Context, m domain.DomainMapping) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO tenant_domain_mappings (domain, tenant_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, strings.ToLower(m.Domain), m.TenantID)
	return err
}
