package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"iam-workflow/backend/internal/authstate/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an auth state repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetPreAuthState returns the pre-auth state for token, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetPreAuthState(ctx context.Context, token string) (*domain.PreAuthState, error) {
	var p domain.PreAuthState
	var consumed sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT token, client_id, tenant_id, redirect_uri, state, scope, expires_at, consumed_at
		FROM pre_auth_states WHERE token = $1`, token).
		Scan(&p.Token, &p.ClientID, &p.TenantID, &p.RedirectURI, &p.State, &p.Scope, &p.ExpiresAt, &consumed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if consumed.Valid {
		t := consumed.Time
		p.ConsumedAt = &t
	}
	return &p, nil
}

// CreatePreAuthState persists a pending authorization request.
func (r *PostgresRepository) CreatePreAuthState(ctx context.Context, p *domain.PreAuthState) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO pre_auth_states (token, client_id, tenant_id, redirect_uri, state, scope, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.Token, p.ClientID, p.TenantID, p.RedirectURI, p.State, p.Scope, p.ExpiresAt)
	return err
}

// ConsumePreAuthState marks the pre-auth state used. Consuming twice keeps the first timestamp.
func (r *PostgresRepository) ConsumePreAuthState(ctx context.Context, token string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE pre_auth_states SET consumed_at = $2 WHERE token = $1 AND consumed_at IS NULL`, token, at)
	return err
}

// GetDeviceCode returns the device code for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetDeviceCode(ctx context.Context, id string) (*domain.DeviceCode, error) {
	var d domain.DeviceCode
	var userID sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT id, user_code, client_id, tenant_id, status, user_id, expires_at, created_at
		FROM device_codes WHERE id = $1`, id).
		Scan(&d.ID, &d.UserCode, &d.ClientID, &d.TenantID, &d.Status, &userID, &d.ExpiresAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d.UserID = userID.String
	return &d, nil
}

// CreateDeviceCode persists a device authorization grant.
func (r *PostgresRepository) CreateDeviceCode(ctx context.Context, d *domain.DeviceCode) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO device_codes (id, user_code, client_id, tenant_id, status, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.UserCode, d.ClientID, d.TenantID, string(d.Status),
		sql.NullString{String: d.UserID, Valid: d.UserID != ""}, d.ExpiresAt, d.CreatedAt)
	return err
}

// UpdateDeviceCode stores the device code's status and approving user.
func (r *PostgresRepository) UpdateDeviceCode(ctx context.Context, d *domain.DeviceCode) error {
	_, err := r.db.ExecContext(ctx, `UPDATE device_codes SET status = $2, user_id = $3 WHERE id = $1`,
		d.ID, string(d.Status), sql.NullString{String: d.UserID, Valid: d.UserID != ""})
	return err
}

// CreateAuthorizationCode persists an issued authorization code by its hash.
func (r *PostgresRepository) CreateAuthorizationCode(ctx context.Context, c *domain.AuthorizationCode) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO authorization_codes
		(code_hash, user_id, client_id, tenant_id, redirect_uri, pre_auth_token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.CodeHash, c.UserID, c.ClientID, c.TenantID, c.RedirectURI, c.PreAuthToken, c.ExpiresAt, c.CreatedAt)
	return err
}

// GetAuthorizationCode returns the authorization code with the given hash, or nil if not found.
func (r *PostgresRepository) GetAuthorizationCode(ctx context.Context, codeHash string) (*domain.AuthorizationCode, error) {
	var c domain.AuthorizationCode
	err := r.db.QueryRowContext(ctx, `SELECT code_hash, user_id, client_id, tenant_id, redirect_uri, pre_auth_token, expires_at, created_at
		FROM authorization_codes WHERE code_hash = $1`, codeHash).
		Scan(&c.CodeHash, &c.UserID, &c.ClientID, &c.TenantID, &c.RedirectURI, &c.PreAuthToken, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
