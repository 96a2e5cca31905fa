// Package service orchestrates authentication and registration workflows: it builds the step
// sequence of a session, validates and executes each step, and finalizes completed sessions.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"iam-workflow/backend/internal/audit"
	auditdomain "iam-workflow/backend/internal/audit/domain"
	"iam-workflow/backend/internal/authstate"
	authdomain "iam-workflow/backend/internal/authstate/domain"
	"iam-workflow/backend/internal/security"
	"iam-workflow/backend/internal/securityevent"
	"iam-workflow/backend/internal/telemetry"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
	"iam-workflow/backend/internal/workflow/domain"
)

var (
	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("workflow: missing required dependency")
	// ErrUserNotFound is returned by UnlockUser for an unknown user.
	ErrUserNotFound = errors.New("workflow: user not found")
	// ErrTenantMissing is returned when a session references a tenant that no longer exists.
	ErrTenantMissing = errors.New("workflow: session tenant does not exist")
	// ErrSecurityKeysDisabled is returned when a FIDO2 step runs without a configured verifier.
	ErrSecurityKeysDisabled = errors.New("workflow: security keys are not configured")
	// ErrFederationDisabled is returned when a federated step runs without an OIDC client.
	ErrFederationDisabled = errors.New("workflow: federation is not configured")
)

const sessionTokenBytes = 32

// Deps are the collaborators of a WorkflowService. Legacy, Captcha, Keys, Federation, Links,
// Memberships, Events, Audit and Metrics are optional.
type Deps struct {
	Steps       StepStore
	Users       IdentityStore
	Links       IdentityLinkStore
	Memberships MembershipStore
	Resolver    PolicyResolver
	Auth        AuthStore
	Tokens      TokenIssuer
	Credentials CredentialChecker
	Totp        TotpEnroller
	Keys        SecurityKeyVerifier
	Hasher      PasswordHasher
	Providers   ProviderStore
	Federation  FederatedAuthenticator
	Legacy      LegacySystemClient
	Captcha     CaptchaVerifier
	Locker      Locker
	Events      securityevent.Publisher
	Audit       audit.AuditLogger
	Metrics     *telemetry.WorkflowMetrics
	Logger      *zap.Logger
}

// Config holds the workflow timings and fixed completion outputs.
type Config struct {
	WorkflowTTL         time.Duration
	SessionLockTTL      time.Duration
	OutboundTimeout     time.Duration
	PortalTokenTTL      time.Duration
	PortalURI           string
	DeviceRegisteredURI string
}

// WorkflowService runs login and registration workflows. Every step operation is serialized per
// session, validated against the persisted sequence, and reports expected failures in
// StepResult.Code. Returned errors are collaborator failures only.
type WorkflowService struct {
	steps       StepStore
	users       IdentityStore
	links       IdentityLinkStore
	memberships MembershipStore
	resolver    PolicyResolver
	auth        AuthStore
	tokens      TokenIssuer
	credentials CredentialChecker
	totp        TotpEnroller
	keys        SecurityKeyVerifier
	hasher      PasswordHasher
	providers   ProviderStore
	federation  FederatedAuthenticator
	legacy      LegacySystemClient
	captcha     CaptchaVerifier
	locker      Locker
	audit       audit.AuditLogger
	metrics     *telemetry.WorkflowMetrics
	logger      *zap.Logger

	validator  *StepValidator
	builder    *SequenceBuilder
	completion *CompletionHandler
	cfg        Config
	now        func() time.Time
}

// New returns a WorkflowService wired from deps.
func New(deps Deps, cfg Config) (*WorkflowService, error) {
	switch {
	case deps.Steps == nil, deps.Users == nil, deps.Resolver == nil, deps.Auth == nil, deps.Tokens == nil,
		deps.Credentials == nil, deps.Hasher == nil, deps.Providers == nil, deps.Locker == nil, deps.Totp == nil:
		return nil, ErrMissingDependency
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WorkflowService{
		steps:       deps.Steps,
		users:       deps.Users,
		links:       deps.Links,
		memberships: deps.Memberships,
		resolver:    deps.Resolver,
		auth:        deps.Auth,
		tokens:      deps.Tokens,
		credentials: deps.Credentials,
		totp:        deps.Totp,
		keys:        deps.Keys,
		hasher:      deps.Hasher,
		providers:   deps.Providers,
		federation:  deps.Federation,
		legacy:      deps.Legacy,
		captcha:     deps.Captcha,
		locker:      deps.Locker,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
	s.validator = NewStepValidator(deps.Steps)
	s.builder = NewSequenceBuilder(deps.Resolver, deps.Users, deps.Providers, deps.Legacy, cfg.OutboundTimeout, deps.Events != nil, logger)
	s.completion = NewCompletionHandler(deps.Steps, deps.Users, deps.Auth, deps.Tokens, deps.Events, deps.Metrics, CompletionConfig{
		PortalTokenTTL:      cfg.PortalTokenTTL,
		PortalURI:           cfg.PortalURI,
		DeviceRegisteredURI: cfg.DeviceRegisteredURI,
	}, logger)
	return s, nil
}

// setClock replaces the clock of the service and its components.
func (s *WorkflowService) setClock(now func() time.Time) {
	s.now = now
	s.validator.now = now
	s.builder.now = now
	s.completion.now = now
}

// Start builds and persists the step sequence for req. Refusals are returned as a code with no
// session created.
func (s *WorkflowService) Start(ctx context.Context, req StartRequest) (StepResult, error) {
	email := userdomain.NormalizeEmail(req.Email)
	if !validEmail(email) || (req.PreAuthToken != "" && req.DeviceCodeID != "") {
		return failed("", domain.CodeInvalidRequest), nil
	}
	build := BuildRequest{Email: email, Registration: req.Registration}
	now := s.now()
	switch {
	case req.PreAuthToken != "":
		p, err := s.auth.GetPreAuthState(ctx, req.PreAuthToken)
		if err != nil {
			return StepResult{}, fmt.Errorf("pre-auth state: %w", err)
		}
		if p == nil || !p.Usable(now) {
			return failed("", domain.CodeInvalidPreAuth), nil
		}
		build.PreAuth, build.TenantID = true, p.TenantID
	case req.DeviceCodeID != "":
		dc, err := s.auth.GetDeviceCode(ctx, req.DeviceCodeID)
		if err != nil {
			return StepResult{}, fmt.Errorf("device code: %w", err)
		}
		if dc == nil || !dc.Usable(now) {
			return failed("", domain.CodeInvalidPreAuth), nil
		}
		build.Device, build.TenantID = true, dc.TenantID
	}

	user, err := s.users.GetUserBy(ctx, userdomain.LookupByEmail, email)
	if err != nil {
		return StepResult{}, fmt.Errorf("get user: %w", err)
	}
	build.User = user
	plan, code, err := s.builder.Build(ctx, build)
	if err != nil {
		return StepResult{}, err
	}
	if code != domain.CodeOK {
		s.record(ctx, build.TenantID, "", "start", code)
		return failed("", code), nil
	}

	token, err := security.NewOpaqueToken(sessionTokenBytes)
	if err != nil {
		return StepResult{}, err
	}
	userID := ""
	if user != nil && !user.IsPlaceholder() {
		userID = user.ID
	}
	if plan.Placeholder {
		if userID, err = s.placeholder(ctx, user, email, plan.TenantID); err != nil {
			return StepResult{}, err
		}
	}
	origin := domain.Origin{
		SessionToken: token,
		TenantID:     plan.TenantID,
		UserID:       userID,
		PreAuthToken: req.PreAuthToken,
		DeviceCodeID: req.DeviceCodeID,
		ReturnToURI:  req.ReturnToURI,
		ExpiresAt:    now.UTC().Add(s.cfg.WorkflowTTL),
	}
	steps := domain.NewSequence(origin, plan.Event, plan.Kinds...)
	if plan.ProviderID != "" {
		steps[0] = steps[0].WithChallenge([]byte(plan.ProviderID))
	}
	if err := s.steps.CreateSteps(ctx, steps); err != nil {
		return StepResult{}, fmt.Errorf("create steps: %w", err)
	}
	s.record(ctx, plan.TenantID, userID, "start", domain.CodeOK)
	return StepResult{SessionToken: token, NextStep: domain.NextVisible(steps), Tenants: tenantOptions(plan.Tenants)}, nil
}

// placeholder returns the id of the placeholder user for email in tenantID, reusing one left
// behind by an abandoned workflow.
func (s *WorkflowService) placeholder(ctx context.Context, existing *userdomain.User, email, tenantID string) (string, error) {
	now := s.now().UTC()
	if existing != nil && existing.IsPlaceholder() {
		if existing.TenantID != tenantID {
			moved := *existing
			moved.TenantID = tenantID
			moved.UpdatedAt = now
			if err := s.users.UpdateUser(ctx, &moved); err != nil {
				return "", fmt.Errorf("update placeholder: %w", err)
			}
		}
		return existing.ID, nil
	}
	p := userdomain.NewPlaceholder(uuid.New().String(), tenantID, email, now)
	if err := s.users.CreateUser(ctx, p); err != nil {
		return "", fmt.Errorf("create placeholder: %w", err)
	}
	return p.ID, nil
}

// session is a validated session positioned on the step being performed.
type session struct {
	steps []domain.Step
	idx   int
}

func (ss *session) step() domain.Step { return ss.steps[ss.idx] }

type stepFunc func(ctx context.Context, ss *session) (StepResult, error)

// run serializes on the session, validates that kind may be performed now and runs fn.
func (s *WorkflowService) run(ctx context.Context, token string, kind domain.StepKind, fn stepFunc) (StepResult, error) {
	lockToken, ok, err := s.locker.TryLock(ctx, token, s.cfg.SessionLockTTL)
	if err != nil {
		return StepResult{}, fmt.Errorf("lock session: %w", err)
	}
	if !ok {
		return failed(token, domain.CodeSessionBusy), nil
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), token, lockToken); err != nil {
			s.logger.Warn("workflow: unlock session failed", zap.Error(err))
		}
	}()

	steps, idx, code, err := s.validator.Validate(ctx, token, kind)
	if err != nil {
		return StepResult{}, err
	}
	switch code {
	case domain.CodeOK:
	case domain.CodeExpired:
		s.cleanup(ctx, steps)
		s.metrics.RecordExpired(ctx, "request", 1)
		s.recordStep(ctx, steps, kind, code)
		return failed(token, code), nil
	default:
		s.recordStep(ctx, steps, kind, code)
		return failed(token, code), nil
	}

	res, err := fn(ctx, &session{steps: steps, idx: idx})
	if errors.Is(err, ErrUserMissing) {
		if err := s.steps.DeleteSteps(ctx, token); err != nil {
			return StepResult{}, fmt.Errorf("delete steps: %w", err)
		}
		s.recordStep(ctx, steps, kind, domain.CodeInvalidSession)
		return failed(token, domain.CodeInvalidSession), nil
	}
	if err != nil {
		s.recordStep(ctx, steps, kind, "error")
		return StepResult{}, err
	}
	res.SessionToken = token
	s.recordStep(ctx, steps, kind, res.Code)
	return res, nil
}

// advance marks the current step complete and moves on. A duress match rewrites the event
// pseudo-step before anything else is persisted.
func (s *WorkflowService) advance(ctx context.Context, ss *session, duress bool) (StepResult, error) {
	steps := append([]domain.Step(nil), ss.steps...)
	if duress {
		if i := domain.EventStep(steps); i >= 0 && steps[i].Event != domain.EventNone && steps[i].Event != domain.EventDuressLogin {
			steps[i] = steps[i].WithEvent(domain.EventDuressLogin)
			if err := s.steps.UpdateStep(ctx, steps[i]); err != nil {
				return StepResult{}, fmt.Errorf("update event step: %w", err)
			}
		}
	}
	steps[ss.idx] = steps[ss.idx].WithChallenge(nil).Completed()
	if err := s.steps.UpdateStep(ctx, steps[ss.idx]); err != nil {
		return StepResult{}, fmt.Errorf("complete step: %w", err)
	}
	return s.proceed(ctx, steps)
}

// proceed finalizes the session when the next step is terminal, else reports it.
func (s *WorkflowService) proceed(ctx context.Context, steps []domain.Step) (StepResult, error) {
	next := domain.NextVisible(steps)
	switch {
	case next.IsTerminal():
		return s.completion.Finalize(ctx, steps)
	case next == domain.StepUnknown:
		return StepResult{}, fmt.Errorf("%w: no terminal step", domain.ErrInvalidSequence)
	default:
		return StepResult{NextStep: next}, nil
	}
}

// extend completes the rows up to the current step and replaces everything after them with
// kinds followed by the event pseudo-step. o supplies the tenant and user of every row. A duress
// event already recorded on the session survives the replacement.
func (s *WorkflowService) extend(ctx context.Context, ss *session, o domain.Origin, kinds []domain.StepKind, event domain.EventKind) ([]domain.Step, error) {
	if i := domain.EventStep(ss.steps); i >= 0 && ss.steps[i].Event == domain.EventDuressLogin && event != domain.EventNone {
		event = domain.EventDuressLogin
	}
	out := make([]domain.Step, 0, ss.idx+1+len(kinds)+1)
	for _, st := range ss.steps[:ss.idx+1] {
		st.TenantID, st.UserID = o.TenantID, o.UserID
		out = append(out, st.WithChallenge(nil).Completed())
	}
	for _, st := range domain.NewSequence(o, event, kinds...) {
		st.Order = len(out) + 1
		out = append(out, st)
	}
	if err := s.steps.ReplaceSteps(ctx, o.SessionToken, out); err != nil {
		return nil, fmt.Errorf("replace steps: %w", err)
	}
	return out, nil
}

// cleanup removes the placeholder user a deleted session was attached to, unless another
// session for the same email still references it.
func (s *WorkflowService) cleanup(ctx context.Context, steps []domain.Step) {
	if len(steps) == 0 || steps[0].UserID == "" {
		return
	}
	u, err := s.users.GetUserBy(ctx, userdomain.LookupByID, steps[0].UserID)
	if err != nil {
		s.logger.Warn("workflow: load user for cleanup failed", zap.Error(err))
		return
	}
	if u == nil || !u.IsPlaceholder() {
		return
	}
	n, err := s.steps.CountUserSessions(ctx, u.ID)
	if err != nil {
		s.logger.Warn("workflow: count placeholder sessions failed", zap.String("user_id", u.ID), zap.Error(err))
		return
	}
	if n > 0 {
		return
	}
	if err := s.users.DeleteUser(ctx, u.ID); err != nil {
		s.logger.Warn("workflow: delete placeholder user failed", zap.String("user_id", u.ID), zap.Error(err))
	}
}

// Cancel abandons a session: a pending device code is cancelled and a pre-auth flow is sent
// back to its client with error=access_denied.
func (s *WorkflowService) Cancel(ctx context.Context, token string) (StepResult, error) {
	lockToken, ok, err := s.locker.TryLock(ctx, token, s.cfg.SessionLockTTL)
	if err != nil {
		return StepResult{}, fmt.Errorf("lock session: %w", err)
	}
	if !ok {
		return failed(token, domain.CodeSessionBusy), nil
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), token, lockToken); err != nil {
			s.logger.Warn("workflow: unlock session failed", zap.Error(err))
		}
	}()

	steps, err := s.steps.GetSteps(ctx, token)
	if err != nil {
		return StepResult{}, fmt.Errorf("get steps: %w", err)
	}
	if len(steps) == 0 {
		return failed(token, domain.CodeInvalidSession), nil
	}
	o := domain.OriginOf(steps[0])
	res := StepResult{SessionToken: token}
	if !s.now().Before(o.ExpiresAt) {
		res.Code = domain.CodeExpired
	} else {
		if o.DeviceCodeID != "" {
			if err := s.cancelDevice(ctx, o.DeviceCodeID); err != nil {
				return StepResult{}, err
			}
		}
		if o.PreAuthToken != "" {
			uri, err := s.tokens.AccessDeniedRedirect(ctx, o.PreAuthToken)
			if err != nil && !errors.Is(err, authstate.ErrPreAuthUnusable) {
				return StepResult{}, fmt.Errorf("access denied redirect: %w", err)
			}
			res.RedirectURI = uri
		}
	}
	if err := s.steps.DeleteSteps(ctx, token); err != nil {
		return StepResult{}, fmt.Errorf("delete steps: %w", err)
	}
	s.cleanup(ctx, steps)
	s.record(ctx, o.TenantID, o.UserID, "cancel", res.Code)
	return res, nil
}

func (s *WorkflowService) cancelDevice(ctx context.Context, id string) error {
	dc, err := s.auth.GetDeviceCode(ctx, id)
	if err != nil {
		return fmt.Errorf("get device code: %w", err)
	}
	if dc == nil || dc.Status != authdomain.DeviceCodePending {
		return nil
	}
	cancelled := *dc
	cancelled.Status = authdomain.DeviceCodeCancelled
	if err := s.auth.UpdateDeviceCode(ctx, &cancelled); err != nil {
		return fmt.Errorf("cancel device code: %w", err)
	}
	return nil
}

// UnlockUser clears a user's lock and failure records.
func (s *WorkflowService) UnlockUser(ctx context.Context, userID string) error {
	u, err := s.users.GetUserBy(ctx, userdomain.LookupByID, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if u == nil || u.IsPlaceholder() {
		return ErrUserNotFound
	}
	if err := s.users.ClearFailedAttempts(ctx, u.ID); err != nil {
		return fmt.Errorf("clear failed attempts: %w", err)
	}
	if u.Locked {
		unlocked := *u
		unlocked.Locked = false
		unlocked.UpdatedAt = s.now().UTC()
		if err := s.users.UpdateUser(ctx, &unlocked); err != nil {
			return fmt.Errorf("unlock user: %w", err)
		}
	}
	s.record(ctx, u.TenantID, u.ID, "unlock_user", domain.CodeOK)
	return nil
}

// sessionUser loads the user a session's rows reference.
func (s *WorkflowService) sessionUser(ctx context.Context, st domain.Step) (*userdomain.User, error) {
	u, err := s.users.GetUserBy(ctx, userdomain.LookupByID, st.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil {
		return nil, ErrUserMissing
	}
	return u, nil
}

func (s *WorkflowService) sessionTenant(ctx context.Context, st domain.Step) (*tenantdomain.Tenant, error) {
	t, err := s.resolver.Tenant(ctx, st.TenantID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrTenantMissing
	}
	return t, nil
}

func (s *WorkflowService) recordStep(ctx context.Context, steps []domain.Step, kind domain.StepKind, code domain.ErrorCode) {
	var tenantID, userID string
	if len(steps) > 0 {
		tenantID, userID = steps[0].TenantID, steps[0].UserID
	}
	s.metrics.RecordStep(ctx, kind.String(), string(code))
	s.record(ctx, tenantID, userID, kind.String(), code)
}

func (s *WorkflowService) record(ctx context.Context, tenantID, userID, action string, code domain.ErrorCode) {
	if s.audit == nil {
		return
	}
	meta := "code=ok"
	if code != domain.CodeOK {
		meta = "code=" + string(code)
	}
	s.audit.LogEvent(ctx, tenantID, userID, action, auditdomain.ResourceWorkflow, meta)
}

func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && userdomain.EmailDomain(email) != ""
}

func tenantOptions(tenants []*tenantdomain.Tenant) []TenantOption {
	if len(tenants) == 0 {
		return nil
	}
	out := make([]TenantOption, len(tenants))
	for i, t := range tenants {
		out[i] = TenantOption{ID: t.ID, Name: t.Name}
	}
	return out
}
