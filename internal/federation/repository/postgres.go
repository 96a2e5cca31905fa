package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"iam-workflow/backend/internal/federation/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a provider repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const providerColumns = `id, tenant_id, domain, issuer, client_id, client_secret, redirect_url, scopes, created_at`

func (r *PostgresRepository) get(ctx context.Context, where string, arg string) (*domain.Provider, error) {
	var p domain.Provider
	var scopes string
	err := r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM federated_providers WHERE `+where, arg).
		Scan(&p.ID, &p.TenantID, &p.Domain, &p.Issuer, &p.ClientID, &p.ClientSecret, &p.RedirectURL, &scopes, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Scopes = domain.ParseScopes(scopes)
	return &p, nil
}

// GetProvider returns the provider for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	return r.get(ctx, `id = $1`, id)
}

// ProviderForDomain returns the provider that owns emailDomain, or nil if the domain is not federated.
func (r *PostgresRepository) ProviderForDomain(ctx context.Context, emailDomain string) (*domain.Provider, error) {
	if emailDomain == "" {
		return nil, nil
	}
	return r.get(ctx, `domain = $1`, strings.ToLower(emailDomain))
}

// CreateProvider persists the provider. The provider must have ID set.
func (r *PostgresRepository) CreateProvider(ctx context.Context, p *domain.Provider) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO federated_providers (`+providerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.TenantID, strings.ToLower(p.Domain), p.Issuer, p.ClientID, p.ClientSecret, p.RedirectURL,
		strings.Join(p.ScopesOrDefault(), " "), p.CreatedAt)
	return err
}
