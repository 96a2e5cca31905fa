package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"iam-workflow/backend/internal/workflow/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a step repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateSteps inserts every row of a new session in one transaction.
func (r *PostgresRepository) CreateSteps(ctx context.Context, steps []domain.Step) error {
	if err := domain.ValidateSequence(steps); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertSteps(ctx, tx, steps); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSteps(ctx context.Context, ex execer, steps []domain.Step) error {
	for _, s := range steps {
		_, err := ex.ExecContext(ctx, `INSERT INTO workflow_steps
			(session_token, step_order, kind, status, expires_at, tenant_id, user_id, pre_auth_token,
			 device_code_id, return_to_uri, event, challenge)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.SessionToken, s.Order, s.Kind.String(), s.Status.String(), s.ExpiresAt, s.TenantID, s.UserID,
			s.PreAuthToken, s.DeviceCodeID, s.ReturnToURI, s.Event.String(), s.Challenge)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", s.Order, err)
		}
	}
	return nil
}

// GetSteps returns the session's rows ordered by step_order. Unknown sessions yield an empty slice.
func (r *PostgresRepository) GetSteps(ctx context.Context, sessionToken string) ([]domain.Step, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT session_token, step_order, kind, status, expires_at, tenant_id,
		user_id, pre_auth_token, device_code_id, return_to_uri, event, challenge
		FROM workflow_steps WHERE session_token = $1 ORDER BY step_order`, sessionToken)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Step
	for rows.Next() {
		var s domain.Step
		var kind, status, event string
		if err := rows.Scan(&s.SessionToken, &s.Order, &kind, &status, &s.ExpiresAt, &s.TenantID, &s.UserID,
			&s.PreAuthToken, &s.DeviceCodeID, &s.ReturnToURI, &event, &s.Challenge); err != nil {
			return nil, err
		}
		if s.Kind, err = domain.ParseStepKind(kind); err != nil {
			return nil, err
		}
		if status == domain.StatusComplete.String() {
			s.Status = domain.StatusComplete
		}
		s.Event = domain.ParseEventKind(event)
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStep stores the status, event and challenge of one row.
func (r *PostgresRepository) UpdateStep(ctx context.Context, s domain.Step) error {
	res, err := r.db.ExecContext(ctx, `UPDATE workflow_steps SET status = $3, event = $4, challenge = $5
		WHERE session_token = $1 AND step_order = $2`,
		s.SessionToken, s.Order, s.Status.String(), s.Event.String(), s.Challenge)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update step %d: %w", s.Order, sql.ErrNoRows)
	}
	return nil
}

// DeleteSteps removes every row of the session. Deleting an unknown session is a no-op.
func (r *PostgresRepository) DeleteSteps(ctx context.Context, sessionToken string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM workflow_steps WHERE session_token = $1`, sessionToken)
	return err
}

// ReplaceSteps swaps the session's rows for steps in one transaction.
func (r *PostgresRepository) ReplaceSteps(ctx context.Context, sessionToken string, steps []domain.Step) error {
	if err := domain.ValidateSequence(steps); err != nil {
		return err
	}
	if steps[0].SessionToken != sessionToken {
		return fmt.Errorf("%w: rows belong to another session", domain.ErrInvalidSequence)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE session_token = $1`, sessionToken); err != nil {
		return err
	}
	if err := insertSteps(ctx, tx, steps); err != nil {
		return err
	}
	return tx.Commit()
}

// ListExpiredSessions returns session tokens whose rows expired at or before the given time.
func (r *PostgresRepository) ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT session_token FROM workflow_steps
		WHERE expires_at <= $1 LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountUserSessions returns the number of distinct sessions whose rows reference userID.
func (r *PostgresRepository) CountUserSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT session_token) FROM workflow_steps
		WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}
