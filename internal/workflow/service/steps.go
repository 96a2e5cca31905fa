package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"iam-workflow/backend/internal/credential"
	"iam-workflow/backend/internal/legacy"
	policydomain "iam-workflow/backend/internal/policy/domain"
	"iam-workflow/backend/internal/security"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
	"iam-workflow/backend/internal/workflow/domain"
)

// SelectTenant picks the tenant an existing user logs in to and expands the session with that
// tenant's steps.
func (s *WorkflowService) SelectTenant(ctx context.Context, token, tenantID string) (StepResult, error) {
	return s.run(ctx, token, domain.StepSelectTenant, func(ctx context.Context, ss *session) (StepResult, error) {
		return s.selectTenant(ctx, ss, tenantID, false)
	})
}

// SelectTenantThenRegister picks the tenant a new user registers in.
func (s *WorkflowService) SelectTenantThenRegister(ctx context.Context, token, tenantID string) (StepResult, error) {
	return s.run(ctx, token, domain.StepSelectTenantThenRegister, func(ctx context.Context, ss *session) (StepResult, error) {
		return s.selectTenant(ctx, ss, tenantID, true)
	})
}

func (s *WorkflowService) selectTenant(ctx context.Context, ss *session, tenantID string, registering bool) (StepResult, error) {
	st := ss.step()
	user, err := s.sessionUser(ctx, st)
	if err != nil {
		return StepResult{}, err
	}
	lookup := user
	if registering {
		lookup = nil
	}
	candidates, err := s.resolver.CandidateTenants(ctx, lookup, user.Email)
	if err != nil {
		return StepResult{}, fmt.Errorf("candidate tenants: %w", err)
	}
	var chosen *tenantdomain.Tenant
	for _, t := range Eligible(candidates, user.Email, registering) {
		if t.ID == tenantID {
			chosen = t
			break
		}
	}
	if chosen == nil {
		return failed("", domain.CodeTenantNotEligible), nil
	}

	o := domain.OriginOf(st)
	o.TenantID = chosen.ID
	var (
		kinds []domain.StepKind
		event = domain.EventNone
	)
	if registering {
		if user.TenantID != chosen.ID {
			moved := *user
			moved.TenantID = chosen.ID
			moved.UpdatedAt = s.now().UTC()
			if err := s.users.UpdateUser(ctx, &moved); err != nil {
				return StepResult{}, fmt.Errorf("update placeholder: %w", err)
			}
		}
		kinds = []domain.StepKind{domain.StepRegister}
	} else {
		kinds, event, err = s.builder.Detailed(ctx, DetailRequest{
			First:  domain.StepEnterPassword,
			User:   user,
			Email:  user.Email,
			Tenant: chosen,
		})
		if err != nil {
			return StepResult{}, err
		}
	}
	steps, err := s.extend(ctx, ss, o, kinds, event)
	if err != nil {
		return StepResult{}, err
	}
	return s.proceed(ctx, steps)
}

// Register activates the session's placeholder user with a password and expands the session
// with the tenant's enrollment steps.
func (s *WorkflowService) Register(ctx context.Context, token string, req RegisterRequest) (StepResult, error) {
	return s.run(ctx, token, domain.StepRegister, func(ctx context.Context, ss *session) (StepResult, error) {
		st := ss.step()
		user, err := s.sessionUser(ctx, st)
		if err != nil {
			return StepResult{}, err
		}
		if !user.IsPlaceholder() {
			return failed("", domain.CodeAlreadyExists), nil
		}
		tenant, err := s.sessionTenant(ctx, st)
		if err != nil {
			return StepResult{}, err
		}
		if tenant.CaptchaRequired && s.captcha != nil {
			if !s.captchaPassed(ctx, req) {
				return failed("", domain.CodeCaptchaFailed), nil
			}
		}
		policy, err := s.resolver.PasswordPolicy(ctx, tenant.ID)
		if err != nil {
			return StepResult{}, err
		}
		if err := policy.Check(req.Password); err != nil {
			return failed("", domain.CodePasswordPolicy), nil
		}

		activated := activate(user, s.now().UTC())
		activated.TenantID = tenant.ID
		activated.Name = strings.TrimSpace(req.Name)
		if err := s.users.UpdateUser(ctx, activated); err != nil {
			return StepResult{}, fmt.Errorf("activate user: %w", err)
		}
		if err := s.addCredential(ctx, activated.ID, tenant.ID, policy, req.Password); err != nil {
			return StepResult{}, err
		}

		o := domain.OriginOf(st)
		kinds, event, err := s.builder.Detailed(ctx, DetailRequest{
			User:         activated,
			Email:        activated.Email,
			Tenant:       tenant,
			PreAuth:      o.PreAuthToken != "",
			Device:       o.DeviceCodeID != "",
			Registration: true,
		})
		if err != nil {
			return StepResult{}, err
		}
		steps, err := s.extend(ctx, ss, o, kinds, event)
		if err != nil {
			return StepResult{}, err
		}
		return s.proceed(ctx, steps)
	})
}

func (s *WorkflowService) captchaPassed(ctx context.Context, req RegisterRequest) bool {
	callCtx, cancel := s.outbound(ctx)
	defer cancel()
	ok, err := s.captcha.Verify(callCtx, req.CaptchaToken, req.RemoteIP)
	if err != nil {
		s.logger.Warn("workflow: captcha verification failed", zap.Error(err))
		return false
	}
	return ok
}

// EnterPassword checks the user's password. A duress password passes and marks the session.
func (s *WorkflowService) EnterPassword(ctx context.Context, token, password string) (StepResult, error) {
	return s.factorStep(ctx, token, domain.StepEnterPassword, credential.Factor{Password: password})
}

// ValidateTotp checks a one-time code against the user's enrolled TOTP factor.
func (s *WorkflowService) ValidateTotp(ctx context.Context, token, code string) (StepResult, error) {
	return s.factorStep(ctx, token, domain.StepValidateTotp, credential.Factor{Code: code})
}

func (s *WorkflowService) factorStep(ctx context.Context, token string, kind domain.StepKind, f credential.Factor) (StepResult, error) {
	return s.run(ctx, token, kind, func(ctx context.Context, ss *session) (StepResult, error) {
		user, err := s.sessionUser(ctx, ss.step())
		if err != nil {
			return StepResult{}, err
		}
		attempt, err := s.credentials.Validate(ctx, user, ss.step().TenantID, f, kind)
		if err != nil {
			return StepResult{}, err
		}
		if !attempt.Valid {
			return failed("", attempt.Code), nil
		}
		return s.advance(ctx, ss, attempt.IsDuress)
	})
}

// EnterPasswordAndMigrateUser authenticates a placeholder user against the legacy system and,
// on success, activates it with the legacy profile and the submitted password.
func (s *WorkflowService) EnterPasswordAndMigrateUser(ctx context.Context, token, password string) (StepResult, error) {
	return s.run(ctx, token, domain.StepEnterPasswordAndMigrateUser, func(ctx context.Context, ss *session) (StepResult, error) {
		st := ss.step()
		user, err := s.sessionUser(ctx, st)
		if err != nil {
			return StepResult{}, err
		}
		if !user.IsPlaceholder() {
			return failed("", domain.CodeInvalidSession), nil
		}
		if password == "" {
			return failed("", domain.CodeInvalidCredentials), nil
		}
		cfg, err := s.resolver.Migration(ctx, st.TenantID)
		if err != nil {
			return StepResult{}, err
		}
		if cfg == nil || !cfg.Enabled || s.legacy == nil {
			return failed("", domain.CodeMigrationFailed), nil
		}
		profile, ok := s.legacyLogin(ctx, cfg.URI, user.Email, password)
		if !ok {
			return failed("", domain.CodeMigrationFailed), nil
		}

		policy, err := s.resolver.PasswordPolicy(ctx, st.TenantID)
		if err != nil {
			return StepResult{}, err
		}
		activated := activate(user, s.now().UTC())
		activated.Name = profile.Name
		activated.Phone = profile.Phone
		if err := s.users.UpdateUser(ctx, activated); err != nil {
			return StepResult{}, fmt.Errorf("activate user: %w", err)
		}
		if err := s.addCredential(ctx, activated.ID, st.TenantID, policy, password); err != nil {
			return StepResult{}, err
		}
		s.logger.Info("user migrated from legacy system", zap.String("user_id", activated.ID), zap.String("tenant_id", st.TenantID))

		if policy.Check(password) != nil {
			return s.requireRotation(ctx, ss)
		}
		return s.advance(ctx, ss, false)
	})
}

func (s *WorkflowService) legacyLogin(ctx context.Context, uri, email, password string) (*legacy.Profile, bool) {
	callCtx, cancel := s.outbound(ctx)
	defer cancel()
	ok, err := s.legacy.Authenticate(callCtx, uri, email, password)
	if err != nil {
		s.logger.Warn("workflow: legacy authentication failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	p, err := s.legacy.FetchProfile(callCtx, uri, email)
	if err != nil {
		s.logger.Warn("workflow: legacy profile fetch failed", zap.Error(err))
		return nil, false
	}
	return p, true
}

// requireRotation completes the current step and inserts a RotatePassword step before the
// terminal step when the sequence has none.
func (s *WorkflowService) requireRotation(ctx context.Context, ss *session) (StepResult, error) {
	var rest []domain.StepKind
	event := domain.EventNone
	for i, st := range ss.steps {
		switch {
		case st.Kind == domain.StepSecurityEvent:
			event = st.Event
		case i > ss.idx:
			rest = append(rest, st.Kind)
		}
	}
	for _, k := range rest {
		if k == domain.StepRotatePassword {
			return s.advance(ctx, ss, false)
		}
	}
	if n := len(rest); n > 0 && rest[n-1].IsTerminal() {
		rest = append(rest[:n-1], domain.StepRotatePassword, rest[n-1])
	} else {
		rest = append(rest, domain.StepRotatePassword)
	}
	steps, err := s.extend(ctx, ss, domain.OriginOf(ss.step()), rest, event)
	if err != nil {
		return StepResult{}, err
	}
	return s.proceed(ctx, steps)
}

// ConfigureTotp enrolls a TOTP factor. Called without a code it issues a fresh secret; called
// with a code it confirms the pending secret and stores the factor.
func (s *WorkflowService) ConfigureTotp(ctx context.Context, token, code string) (StepResult, error) {
	return s.run(ctx, token, domain.StepConfigureTotp, func(ctx context.Context, ss *session) (StepResult, error) {
		st := ss.step()
		user, err := s.sessionUser(ctx, st)
		if err != nil {
			return StepResult{}, err
		}
		if code == "" {
			secret, uri, err := s.totp.Generate(user.Email)
			if err != nil {
				return StepResult{}, fmt.Errorf("generate totp: %w", err)
			}
			if err := s.steps.UpdateStep(ctx, st.WithChallenge([]byte(secret))); err != nil {
				return StepResult{}, fmt.Errorf("store totp challenge: %w", err)
			}
			return StepResult{NextStep: domain.StepConfigureTotp, TotpSecret: secret, TotpURI: uri}, nil
		}
		if len(st.Challenge) == 0 {
			return failed("", domain.CodeInvalidRequest), nil
		}
		secret := string(st.Challenge)
		if !s.totp.Verify(secret, code, s.now()) {
			return failed("", domain.CodeInvalidTotp), nil
		}
		if err := s.users.AddMfaRelation(ctx, userdomain.MfaRelation{
			ID:        uuid.New().String(),
			UserID:    user.ID,
			Kind:      userdomain.MfaTotp,
			Secret:    secret,
			CreatedAt: s.now().UTC(),
		}); err != nil {
			return StepResult{}, fmt.Errorf("add totp: %w", err)
		}
		return s.advance(ctx, ss, false)
	})
}

// ConfigureSecurityKey enrolls a FIDO2 key. Without a response it returns creation options;
// with one it verifies the attestation and stores the key.
func (s *WorkflowService) ConfigureSecurityKey(ctx context.Context, token string, response []byte) (StepResult, error) {
	return s.run(ctx, token, domain.StepConfigureSecurityKey, func(ctx context.Context, ss *session) (StepResult, error) {
		if s.keys == nil {
			return StepResult{}, ErrSecurityKeysDisabled
		}
		st := ss.step()
		user, rels, err := s.userWithRelations(ctx, st)
		if err != nil {
			return StepResult{}, err
		}
		if len(response) == 0 {
			opts, challenge, err := s.keys.BeginRegistration(user, rels)
			if err != nil {
				return StepResult{}, fmt.Errorf("begin registration: %w", err)
			}
			return s.challenge(ctx, st, opts, challenge)
		}
		if len(st.Challenge) == 0 {
			return failed("", domain.CodeInvalidRequest), nil
		}
		rel, err := s.keys.FinishRegistration(user, rels, st.Challenge, response)
		if err != nil {
			s.logger.Debug("security key attestation rejected", zap.String("user_id", user.ID), zap.Error(err))
			return failed("", domain.CodeInvalidSecurityKey), nil
		}
		if err := s.users.AddMfaRelation(ctx, *rel); err != nil {
			return StepResult{}, fmt.Errorf("add security key: %w", err)
		}
		return s.advance(ctx, ss, false)
	})
}

// ValidateSecurityKey checks a FIDO2 assertion. Without an assertion it returns request
// options for the user's enrolled keys.
func (s *WorkflowService) ValidateSecurityKey(ctx context.Context, token string, assertion []byte) (StepResult, error) {
	return s.run(ctx, token, domain.StepValidateSecurityKey, func(ctx context.Context, ss *session) (StepResult, error) {
		if s.keys == nil {
			return StepResult{}, ErrSecurityKeysDisabled
		}
		st := ss.step()
		user, rels, err := s.userWithRelations(ctx, st)
		if err != nil {
			return StepResult{}, err
		}
		if len(assertion) == 0 {
			opts, challenge, err := s.keys.BeginLogin(user, rels)
			if errors.Is(err, credential.ErrNoSecurityKey) {
				return failed("", domain.CodeInvalidSecurityKey), nil
			}
			if err != nil {
				return StepResult{}, fmt.Errorf("begin login: %w", err)
			}
			return s.challenge(ctx, st, opts, challenge)
		}
		if len(st.Challenge) == 0 {
			return failed("", domain.CodeInvalidRequest), nil
		}
		attempt, err := s.credentials.Validate(ctx, user, st.TenantID, credential.Factor{Assertion: assertion, Session: st.Challenge}, domain.StepValidateSecurityKey)
		if err != nil {
			return StepResult{}, err
		}
		if !attempt.Valid {
			return failed("", attempt.Code), nil
		}
		return s.advance(ctx, ss, false)
	})
}

func (s *WorkflowService) userWithRelations(ctx context.Context, st domain.Step) (*userdomain.User, []userdomain.MfaRelation, error) {
	user, err := s.sessionUser(ctx, st)
	if err != nil {
		return nil, nil, err
	}
	rels, err := s.users.GetMfaRelations(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("mfa relations: %w", err)
	}
	return user, rels, nil
}

func (s *WorkflowService) challenge(ctx context.Context, st domain.Step, opts, challenge []byte) (StepResult, error) {
	if err := s.steps.UpdateStep(ctx, st.WithChallenge(challenge)); err != nil {
		return StepResult{}, fmt.Errorf("store challenge: %w", err)
	}
	return StepResult{NextStep: st.Kind, WebAuthnOptions: opts}, nil
}

// AcceptTermsAndConditions records the user's acceptance of the session tenant's terms.
func (s *WorkflowService) AcceptTermsAndConditions(ctx context.Context, token string, accepted bool) (StepResult, error) {
	return s.run(ctx, token, domain.StepAcceptTermsAndConditions, func(ctx context.Context, ss *session) (StepResult, error) {
		if !accepted {
			return failed("", domain.CodeTermsNotAccepted), nil
		}
		st := ss.step()
		user, err := s.sessionUser(ctx, st)
		if err != nil {
			return StepResult{}, err
		}
		if err := s.users.AcceptTerms(ctx, userdomain.TermsAcceptance{UserID: user.ID, TenantID: st.TenantID, AcceptedAt: s.now().UTC()}); err != nil {
			return StepResult{}, fmt.Errorf("accept terms: %w", err)
		}
		return s.advance(ctx, ss, false)
	})
}

// ConfigureRecoveryEmail stores a recovery address distinct from the login address.
func (s *WorkflowService) ConfigureRecoveryEmail(ctx context.Context, token, email string) (StepResult, error) {
	return s.run(ctx, token, domain.StepConfigureRecoveryEmail, func(ctx context.Context, ss *session) (StepResult, error) {
		user, err := s.sessionUser(ctx, ss.step())
		if err != nil {
			return StepResult{}, err
		}
		email = userdomain.NormalizeEmail(email)
		if !validEmail(email) || email == user.Email {
			return failed("", domain.CodeInvalidRequest), nil
		}
		updated := *user
		updated.RecoveryEmail = email
		updated.UpdatedAt = s.now().UTC()
		if err := s.users.UpdateUser(ctx, &updated); err != nil {
			return StepResult{}, fmt.Errorf("update user: %w", err)
		}
		return s.advance(ctx, ss, false)
	})
}

// ConfigureDuressPassword sets the user's duress password. It must satisfy the password policy
// and differ from the login password.
func (s *WorkflowService) ConfigureDuressPassword(ctx context.Context, token, password string) (StepResult, error) {
	return s.run(ctx, token, domain.StepConfigureDuressPassword, func(ctx context.Context, ss *session) (StepResult, error) {
		st := ss.step()
		user, err := s.sessionUser(ctx, st)
		if err != nil {
			return StepResult{}, err
		}
		creds, err := s.users.GetCredentials(ctx, user.ID)
		if err != nil {
			return StepResult{}, fmt.Errorf("credentials: %w", err)
		}
		latest := userdomain.Latest(creds)
		policy, err := s.effectivePolicy(ctx, st.TenantID, latest)
		if err != nil {
			return StepResult{}, err
		}
		if err := policy.Check(password); err != nil {
			return failed("", domain.CodePasswordPolicy), nil
		}
		if latest != nil && s.hasher.Compare(latest.Hash, []byte(password)) == nil {
			return failed("", domain.CodePasswordReused), nil
		}
		alg := hashAlgorithm(policy)
		hash, err := s.hasher.Hash(alg, []byte(password))
		if err != nil {
			return StepResult{}, fmt.Errorf("hash duress password: %w", err)
		}
		if err := s.users.SetDuressCredential(ctx, userdomain.DuressCredential{
			UserID:    user.ID,
			Hash:      hash,
			Algorithm: string(alg),
			CreatedAt: s.now().UTC(),
		}); err != nil {
			return StepResult{}, fmt.Errorf("set duress credential: %w", err)
		}
		return s.advance(ctx, ss, false)
	})
}

// RotatePassword replaces the user's password. The new password must satisfy the effective
// policy and must not match the duress password, the current password or any password created
// within the history period.
func (s *WorkflowService) RotatePassword(ctx context.Context, token, password string) (StepResult, error) {
	return s.run(ctx, token, domain.StepRotatePassword, func(ctx context.Context, ss *session) (StepResult, error) {
		st := ss.step()
		user, err := s.sessionUser(ctx, st)
		if err != nil {
			return StepResult{}, err
		}
		creds, err := s.users.GetCredentials(ctx, user.ID)
		if err != nil {
			return StepResult{}, fmt.Errorf("credentials: %w", err)
		}
		policy, err := s.effectivePolicy(ctx, st.TenantID, userdomain.Latest(creds))
		if err != nil {
			return StepResult{}, err
		}
		if err := policy.Check(password); err != nil {
			return failed("", domain.CodePasswordPolicy), nil
		}
		reused, err := s.reused(ctx, user.ID, creds, policy.HistoryPeriod, password)
		if err != nil {
			return StepResult{}, err
		}
		if reused {
			return failed("", domain.CodePasswordReused), nil
		}
		if err := s.addCredential(ctx, user.ID, st.TenantID, policy, password); err != nil {
			return StepResult{}, err
		}
		return s.advance(ctx, ss, false)
	})
}

func (s *WorkflowService) reused(ctx context.Context, userID string, creds []userdomain.Credential, history time.Duration, password string) (bool, error) {
	latest := userdomain.Latest(creds)
	cutoff := s.now().Add(-history)
	for _, c := range creds {
		if (latest != nil && c.ID == latest.ID) || (history > 0 && c.CreatedAt.After(cutoff)) {
			if s.hasher.Compare(c.Hash, []byte(password)) == nil {
				return true, nil
			}
		}
	}
	dc, err := s.users.GetDuressCredential(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("duress credential: %w", err)
	}
	return dc != nil && s.hasher.Compare(dc.Hash, []byte(password)) == nil, nil
}

func (s *WorkflowService) effectivePolicy(ctx context.Context, tenantID string, latest *userdomain.Credential) (policydomain.PasswordPolicy, error) {
	if latest == nil || latest.TenantID == "" {
		return s.resolver.PasswordPolicy(ctx, tenantID)
	}
	return s.resolver.EffectivePasswordPolicy(ctx, tenantID, latest.TenantID)
}

func (s *WorkflowService) addCredential(ctx context.Context, userID, tenantID string, policy policydomain.PasswordPolicy, password string) error {
	alg := hashAlgorithm(policy)
	hash, err := s.hasher.Hash(alg, []byte(password))
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.AddCredential(ctx, userdomain.Credential{
		ID:        uuid.New().String(),
		UserID:    userID,
		TenantID:  tenantID,
		Hash:      hash,
		Algorithm: string(alg),
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("add credential: %w", err)
	}
	return nil
}

func (s *WorkflowService) outbound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OutboundTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.OutboundTimeout)
}

func hashAlgorithm(p policydomain.PasswordPolicy) security.Algorithm {
	if alg, ok := security.ParseAlgorithm(string(p.HashAlgorithm)); ok {
		return alg
	}
	return security.AlgBcrypt
}

// activate clears the placeholder flags of u.
func activate(u *userdomain.User, now time.Time) *userdomain.User {
	out := *u
	out.Disabled, out.Locked, out.MarkedForDelete, out.Pending = false, false, false, false
	out.UpdatedAt = now
	return &out
}
