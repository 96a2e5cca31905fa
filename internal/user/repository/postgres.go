package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	identitydomain "iam-workflow/backend/internal/identity/domain"
	"iam-workflow/backend/internal/user/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `u.id, u.tenant_id, u.email, u.name, u.phone, u.recovery_email,
	u.disabled, u.locked, u.marked_for_delete, u.pending, u.created_at, u.updated_at`

// GetUserBy returns the user matching value on the attribute selected by kind, or nil if not
// found. Federated subjects are looked up by identitydomain.SubjectKey.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetUserBy(ctx context.Context, kind domain.LookupKind, value string) (*domain.User, error) {
	var row *sql.Row
	switch kind {
	case domain.LookupByEmail:
		row = r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.email = $1`, domain.NormalizeEmail(value))
	case domain.LookupByID:
		row = r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, value)
	case domain.LookupByPhone:
		row = r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.phone = $1 LIMIT 1`, value)
	case domain.LookupByFederatedSubject:
		providerID, subject, ok := identitydomain.SplitSubjectKey(value)
		if !ok {
			return nil, nil
		}
		row = r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u
			JOIN identities i ON i.user_id = u.id
			WHERE i.provider_id = $1 AND i.provider_subject = $2`, providerID, subject)
	default:
		return nil, fmt.Errorf("user: unsupported lookup kind %q", kind)
	}
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var name, phone, recovery sql.NullString
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &name, &phone, &recovery,
		&u.Disabled, &u.Locked, &u.MarkedForDelete, &u.Pending, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Name, u.Phone, u.RecoveryEmail = name.String, phone.String, recovery.String
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateUser persists the user. The user must have ID set; it is not assigned by this method.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO users
		(id, tenant_id, email, name, phone, recovery_email, disabled, locked, marked_for_delete, pending, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.TenantID, domain.NormalizeEmail(u.Email), nullString(u.Name), nullString(u.Phone), nullString(u.RecoveryEmail),
		u.Disabled, u.Locked, u.MarkedForDelete, u.Pending, u.CreatedAt, u.UpdatedAt)
	return err
}

// UpdateUser overwrites the mutable attributes of an existing user, including its home tenant.
func (r *PostgresRepository) UpdateUser(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET
		tenant_id = $2, name = $3, phone = $4, recovery_email = $5,
		disabled = $6, locked = $7, marked_for_delete = $8, pending = $9, updated_at = $10
		WHERE id = $1`,
		u.ID, u.TenantID, nullString(u.Name), nullString(u.Phone), nullString(u.RecoveryEmail),
		u.Disabled, u.Locked, u.MarkedForDelete, u.Pending, u.UpdatedAt)
	return err
}

// DeleteUser removes the user; dependent rows cascade.
func (r *PostgresRepository) DeleteUser(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

// GetCredentials returns the user's password credentials, oldest first.
func (r *PostgresRepository) GetCredentials(ctx context.Context, userID string) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, user_id, tenant_id, hash, algorithm, created_at
		FROM credentials WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.ID, &c.UserID, &c.TenantID, &c.Hash, &c.Algorithm, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddCredential stores a new password credential; earlier ones are kept for history checks.
func (r *PostgresRepository) AddCredential(ctx context.Context, c domain.Credential) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO credentials (id, user_id, tenant_id, hash, algorithm, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, c.ID, c.UserID, c.TenantID, c.Hash, c.Algorithm, c.CreatedAt)
	return err
}

// GetDuressCredential returns the user's duress credential, or nil if none is set.
func (r *PostgresRepository) GetDuressCredential(ctx context.Context, userID string) (*domain.DuressCredential, error) {
	var c domain.DuressCredential
	err := r.db.QueryRowContext(ctx, `SELECT user_id, hash, algorithm, created_at FROM duress_credentials WHERE user_id = $1`, userID).
		Scan(&c.UserID, &c.Hash, &c.Algorithm, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// SetDuressCredential creates or replaces the user's duress credential.
func (r *PostgresRepository) SetDuressCredential(ctx context.Context, c domain.DuressCredential) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO duress_credentials (user_id, hash, algorithm, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET hash = EXCLUDED.hash, algorithm = EXCLUDED.algorithm, created_at = EXCLUDED.created_at`,
		c.UserID, c.Hash, c.Algorithm, c.CreatedAt)
	return err
}

// GetMfaRelations returns every enrolled second factor of the user.
func (r *PostgresRepository) GetMfaRelations(ctx context.Context, userID string) ([]domain.MfaRelation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, user_id, kind, secret, credential_id, public_key, aaguid, sign_count, created_at
		FROM mfa_relations WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MfaRelation
	for rows.Next() {
		var m domain.MfaRelation
		var secret sql.NullString
		var count int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Kind, &secret, &m.CredentialID, &m.PublicKey, &m.AAGUID, &count, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Secret = secret.String
		m.SignCount = uint32(count)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMfaRelation enrolls a second factor.
func (r *PostgresRepository) AddMfaRelation(ctx context.Context, m domain.MfaRelation) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO mfa_relations
		(id, user_id, kind, secret, credential_id, public_key, aaguid, sign_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.UserID, string(m.Kind), nullString(m.Secret), m.CredentialID, m.PublicKey, m.AAGUID, int64(m.SignCount), m.CreatedAt)
	return err
}

// UpdateSignCount stores the latest signature counter of a security key. The update is
// conditional so a concurrent older assertion cannot move the counter backwards.
func (r *PostgresRepository) UpdateSignCount(ctx context.Context, relationID string, signCount uint32) error {
	_, err := r.db.ExecContext(ctx, `UPDATE mfa_relations SET sign_count = $2 WHERE id = $1 AND sign_count <= $2`,
		relationID, int64(signCount))
	return err
}

// GetFailedAttempts returns the user's failure records in the order they were added.
func (r *PostgresRepository) GetFailedAttempts(ctx context.Context, userID string) ([]domain.FailedAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, user_id, failure_at, failure_count, next_login_not_before
		FROM failed_attempts WHERE user_id = $1 ORDER BY failure_count, failure_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FailedAttempt
	for rows.Next() {
		var a domain.FailedAttempt
		var next sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.FailureAt, &a.FailureCount, &next); err != nil {
			return nil, err
		}
		if next.Valid {
			a.NextLoginNotBefore = next.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddFailedAttempt appends a failure record.
func (r *PostgresRepository) AddFailedAttempt(ctx context.Context, a domain.FailedAttempt) error {
	next := sql.NullTime{Time: a.NextLoginNotBefore, Valid: !a.NextLoginNotBefore.IsZero()}
	_, err := r.db.ExecContext(ctx, `INSERT INTO failed_attempts (id, user_id, failure_at, failure_count, next_login_not_before)
		VALUES ($1, $2, $3, $4, $5)`, a.ID, a.UserID, a.FailureAt, a.FailureCount, next)
	return err
}

// ClearFailedAttempts deletes every failure record of the user.
func (r *PostgresRepository) ClearFailedAttempts(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_attempts WHERE user_id = $1`, userID)
	return err
}

// HasAcceptedTerms reports whether the user accepted the tenant's terms and conditions.
func (r *PostgresRepository) HasAcceptedTerms(ctx context.Context, userID, tenantID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM terms_acceptances WHERE user_id = $1 AND tenant_id = $2)`,
		userID, tenantID).Scan(&ok)
	return ok, err
}

// AcceptTerms records a terms acceptance. Accepting twice is a no-op.
func (r *PostgresRepository) AcceptTerms(ctx context.Context, a domain.TermsAcceptance) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO terms_acceptances (user_id, tenant_id, accepted_at)
		VALUES ($1, $2, $3) ON CONFLICT (user_id, tenant_id) DO NOTHING`, a.UserID, a.TenantID, a.AcceptedAt)
	return err
}
