// Package credential checks submitted authentication factors against a user's stored
// credentials and applies the tenant's failure policy.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	policydomain "iam-workflow/backend/internal/policy/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
	"iam-workflow/backend/internal/workflow/domain"
)

// ErrUnsupportedStep is returned when Validate is asked to check a step that takes no factor.
var ErrUnsupportedStep = errors.New("credential: step does not take a factor")

// Store is the identity storage the validator reads and writes.
type Store interface {
	GetCredentials(ctx context.Context, userID string) ([]userdomain.Credential, error)
	GetDuressCredential(ctx context.Context, userID string) (*userdomain.DuressCredential, error)
	GetMfaRelations(ctx context.Context, userID string) ([]userdomain.MfaRelation, error)
	GetFailedAttempts(ctx context.Context, userID string) ([]userdomain.FailedAttempt, error)
	AddFailedAttempt(ctx context.Context, a userdomain.FailedAttempt) error
	ClearFailedAttempts(ctx context.Context, userID string) error
	UpdateUser(ctx context.Context, u *userdomain.User) error
	UpdateSignCount(ctx context.Context, relationID string, signCount uint32) error
}

// FailurePolicySource resolves the failure policy of a tenant.
type FailurePolicySource interface {
	FailurePolicy(ctx context.Context, tenantID string) (policydomain.FailurePolicy, error)
}

// PasswordComparer verifies a password against an encoded hash.
type PasswordComparer interface {
	Compare(hash string, password []byte) error
}

// CodeVerifier verifies one-time codes.
type CodeVerifier interface {
	Verify(secret, code string, at time.Time) bool
}

// AssertionVerifier finishes a FIDO2 assertion ceremony.
type AssertionVerifier interface {
	FinishLogin(u *userdomain.User, relations []userdomain.MfaRelation, session, response []byte) (relationID string, signCount uint32, err error)
}

// Factor is what the caller submitted for a step. Only the field matching the step is read.
type Factor struct {
	Password string
	Code     string
	// Assertion is the WebAuthn assertion response; Session the ceremony state from BeginLogin.
	Assertion []byte
	Session   []byte
}

// Attempt is the outcome of a credential check. A duress match is reported Valid with
// IsDuress set and no error code, exactly like a normal match.
type Attempt struct {
	Valid    bool
	Code     domain.ErrorCode
	IsDuress bool
}

// Validator checks factors and records failures.
type Validator struct {
	store    Store
	policies FailurePolicySource
	hasher   PasswordComparer
	totp     CodeVerifier
	keys     AssertionVerifier
	engine   FailurePolicyEngine
	logger   *zap.Logger
	now      func() time.Time
}

// NewValidator returns a Validator. keys may be nil when FIDO2 is not configured.
func NewValidator(store Store, policies FailurePolicySource, hasher PasswordComparer, totp CodeVerifier, keys AssertionVerifier, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		store:    store,
		policies: policies,
		hasher:   hasher,
		totp:     totp,
		keys:     keys,
		logger:   logger,
		now:      time.Now,
	}
}

// Validate checks f for the given step kind. Locked users are rejected without recording a
// failure. Under a Pause policy an open pause window rejects the attempt before the factor is
// looked at. Returned errors are storage or collaborator failures only.
func (v *Validator) Validate(ctx context.Context, u *userdomain.User, tenantID string, f Factor, kind domain.StepKind) (Attempt, error) {
	if u.Locked {
		return Attempt{Code: domain.CodeUserLocked}, nil
	}
	policy, err := v.policies.FailurePolicy(ctx, tenantID)
	if err != nil {
		return Attempt{}, fmt.Errorf("failure policy: %w", err)
	}
	attempts, err := v.store.GetFailedAttempts(ctx, u.ID)
	if err != nil {
		return Attempt{}, fmt.Errorf("failed attempts: %w", err)
	}
	now := v.now().UTC()
	if v.engine.Paused(policy, attempts, now) {
		return Attempt{Code: domain.CodeAuthenticationPaused}, nil
	}

	valid, duress, err := v.check(ctx, u, f, kind)
	if err != nil {
		return Attempt{}, err
	}
	if valid {
		if len(attempts) > 0 {
			if err := v.store.ClearFailedAttempts(ctx, u.ID); err != nil {
				return Attempt{}, fmt.Errorf("clear failed attempts: %w", err)
			}
		}
		return Attempt{Valid: true, IsDuress: duress}, nil
	}

	rec, lock := v.engine.Next(policy, attempts, u.ID, now)
	if err := v.store.AddFailedAttempt(ctx, rec); err != nil {
		return Attempt{}, fmt.Errorf("add failed attempt: %w", err)
	}
	if lock {
		locked := *u
		locked.Locked = true
		locked.UpdatedAt = now
		if err := v.store.UpdateUser(ctx, &locked); err != nil {
			return Attempt{}, fmt.Errorf("lock user: %w", err)
		}
		v.logger.Info("user locked after failed attempts",
			zap.String("user_id", u.ID), zap.Int("failure_count", rec.FailureCount))
	}
	return Attempt{Code: failureCode(kind)}, nil
}

func (v *Validator) check(ctx context.Context, u *userdomain.User, f Factor, kind domain.StepKind) (valid, duress bool, err error) {
	switch kind {
	case domain.StepEnterPassword:
		return v.checkPassword(ctx, u, f.Password)
	case domain.StepValidateTotp:
		rels, err := v.store.GetMfaRelations(ctx, u.ID)
		if err != nil {
			return false, false, fmt.Errorf("mfa relations: %w", err)
		}
		for _, r := range rels {
			if r.Kind == userdomain.MfaTotp && v.totp.Verify(r.Secret, f.Code, v.now()) {
				return true, false, nil
			}
		}
		return false, false, nil
	case domain.StepValidateSecurityKey:
		if v.keys == nil {
			return false, false, ErrUnsupportedStep
		}
		rels, err := v.store.GetMfaRelations(ctx, u.ID)
		if err != nil {
			return false, false, fmt.Errorf("mfa relations: %w", err)
		}
		relID, count, err := v.keys.FinishLogin(u, rels, f.Session, f.Assertion)
		if err != nil {
			v.logger.Debug("security key assertion rejected", zap.String("user_id", u.ID), zap.Error(err))
			return false, false, nil
		}
		if err := v.store.UpdateSignCount(ctx, relID, count); err != nil {
			return false, false, fmt.Errorf("update sign count: %w", err)
		}
		return true, false, nil
	default:
		return false, false, ErrUnsupportedStep
	}
}

func (v *Validator) checkPassword(ctx context.Context, u *userdomain.User, password string) (valid, duress bool, err error) {
	if password == "" {
		return false, false, nil
	}
	creds, err := v.store.GetCredentials(ctx, u.ID)
	if err != nil {
		return false, false, fmt.Errorf("credentials: %w", err)
	}
	if latest := userdomain.Latest(creds); latest != nil && v.hasher.Compare(latest.Hash, []byte(password)) == nil {
		return true, false, nil
	}
	dc, err := v.store.GetDuressCredential(ctx, u.ID)
	if err != nil {
		return false, false, fmt.Errorf("duress credential: %w", err)
	}
	if dc != nil && v.hasher.Compare(dc.Hash, []byte(password)) == nil {
		return true, true, nil
	}
	return false, false, nil
}

func failureCode(kind domain.StepKind) domain.ErrorCode {
	switch kind {
	case domain.StepValidateTotp:
		return domain.CodeInvalidTotp
	case domain.StepValidateSecurityKey:
		return domain.CodeInvalidSecurityKey
	default:
		return domain.CodeInvalidCredentials
	}
}
