package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"iam-workflow/backend/internal/policy/engine"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
	"iam-workflow/backend/internal/workflow/domain"
)

// BuildRequest is what the builder decides a sequence from.
type BuildRequest struct {
	Email string
	// User is the existing user for Email, or nil. Migration placeholders count as nil.
	User *userdomain.User
	// TenantID is the tenant of an external-origin request (pre-auth or device code).
	TenantID     string
	PreAuth      bool
	Device       bool
	Registration bool
}

func (r BuildRequest) external() bool { return r.PreAuth || r.Device }

// Plan is a decided sequence, not yet persisted.
type Plan struct {
	Kinds    []domain.StepKind
	Event    domain.EventKind
	TenantID string
	// Placeholder asks the caller to create (or reuse) a placeholder user for Email before
	// persisting the rows.
	Placeholder bool
	// Tenants lists the eligible tenants of a SelectTenant or SelectTenantThenRegister step.
	Tenants []*tenantdomain.Tenant
	// ProviderID is the federated provider of an AuthWithFederatedOidc step.
	ProviderID string
}

// SequenceBuilder decides which steps a workflow consists of.
type SequenceBuilder struct {
	resolver        PolicyResolver
	users           IdentityStore
	providers       ProviderStore
	legacy          LegacySystemClient
	outboundTimeout time.Duration
	eventsEnabled   bool
	logger          *zap.Logger
	now             func() time.Time
}

// NewSequenceBuilder returns a builder. legacy may be nil when no tenant migrates users.
// eventsEnabled appends the security-event pseudo-step to every finalizing sequence.
func NewSequenceBuilder(resolver PolicyResolver, users IdentityStore, providers ProviderStore, legacy LegacySystemClient, outboundTimeout time.Duration, eventsEnabled bool, logger *zap.Logger) *SequenceBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SequenceBuilder{
		resolver:        resolver,
		users:           users,
		providers:       providers,
		legacy:          legacy,
		outboundTimeout: outboundTimeout,
		eventsEnabled:   eventsEnabled,
		logger:          logger,
		now:             time.Now,
	}
}

// Build applies the decision rules in priority order; the first that matches wins. Expected
// refusals come back as a code with an empty plan.
func (b *SequenceBuilder) Build(ctx context.Context, req BuildRequest) (Plan, domain.ErrorCode, error) {
	user := req.User
	if user != nil && user.IsPlaceholder() {
		user = nil
	}
	emailDomain := userdomain.EmailDomain(req.Email)

	var tenants []*tenantdomain.Tenant
	if req.external() {
		t, err := b.resolver.Tenant(ctx, req.TenantID)
		if err != nil {
			return Plan{}, "", err
		}
		if t == nil || t.Status == tenantdomain.TenantStatusSuspended {
			return Plan{}, domain.CodeInvalidPreAuth, nil
		}
		tenants = []*tenantdomain.Tenant{t}
	} else {
		cands, err := b.resolver.CandidateTenants(ctx, user, req.Email)
		if err != nil {
			return Plan{}, "", err
		}
		if len(cands) == 0 {
			return Plan{}, domain.CodeNoManagementDomain, nil
		}
		tenants = cands
	}

	if user != nil {
		if code := accountStateCode(user); code != domain.CodeOK {
			return Plan{}, code, nil
		}
		if req.Registration {
			return Plan{}, domain.CodeAlreadyExists, nil
		}
	}

	tenants = filterTenants(tenants, func(t *tenantdomain.Tenant) bool { return t.AllowsDomain(emailDomain) })
	if len(tenants) == 0 {
		return Plan{}, domain.CodeDomainRestricted, nil
	}

	provider, err := b.providers.ProviderForDomain(ctx, emailDomain)
	if err != nil {
		return Plan{}, "", fmt.Errorf("federated provider: %w", err)
	}
	if provider != nil {
		tenantID := provider.TenantID
		if req.external() {
			tenantID = tenants[0].ID
		}
		return Plan{Kinds: []domain.StepKind{domain.StepAuthWithFederatedOidc}, TenantID: tenantID, ProviderID: provider.ID}, domain.CodeOK, nil
	}

	tenants = filterTenants(tenants, func(t *tenantdomain.Tenant) bool { return !t.FederationExclusive })
	if len(tenants) == 0 {
		return Plan{}, domain.CodeFederationRequired, nil
	}

	if user == nil {
		return b.buildUnknown(ctx, req, tenants)
	}

	if !req.external() && len(tenants) > 1 {
		return Plan{Kinds: []domain.StepKind{domain.StepSelectTenant}, TenantID: preferTenant(tenants, user.TenantID), Tenants: tenants}, domain.CodeOK, nil
	}
	kinds, event, err := b.Detailed(ctx, DetailRequest{
		First: domain.StepEnterPassword, User: user, Email: req.Email, Tenant: tenants[0],
		PreAuth: req.PreAuth, Device: req.Device,
	})
	if err != nil {
		return Plan{}, "", err
	}
	return Plan{Kinds: kinds, Event: event, TenantID: tenants[0].ID}, domain.CodeOK, nil
}

// buildUnknown handles an email with no local user: migrate, register, or refuse.
func (b *SequenceBuilder) buildUnknown(ctx context.Context, req BuildRequest, tenants []*tenantdomain.Tenant) (Plan, domain.ErrorCode, error) {
	migrateTo, code, err := b.migrationTenant(ctx, req.Email, tenants)
	if err != nil || code != domain.CodeOK {
		return Plan{}, code, err
	}
	if migrateTo != nil {
		kinds, event, err := b.Detailed(ctx, DetailRequest{
			First: domain.StepEnterPasswordAndMigrateUser, Email: req.Email, Tenant: migrateTo,
			PreAuth: req.PreAuth, Device: req.Device,
		})
		if err != nil {
			return Plan{}, "", err
		}
		return Plan{Kinds: kinds, Event: event, TenantID: migrateTo.ID, Placeholder: true}, domain.CodeOK, nil
	}

	open := filterTenants(tenants, func(t *tenantdomain.Tenant) bool { return t.SelfRegistrationAllowed })
	if len(open) == 0 {
		return Plan{}, domain.CodeRegistrationNotAllowed, nil
	}
	if !req.external() && len(open) > 1 {
		return Plan{Kinds: []domain.StepKind{domain.StepSelectTenantThenRegister}, TenantID: open[0].ID, Tenants: open, Placeholder: true}, domain.CodeOK, nil
	}
	return Plan{Kinds: []domain.StepKind{domain.StepRegister}, TenantID: open[0].ID, Placeholder: true}, domain.CodeOK, nil
}

// migrationTenant returns the first tenant whose legacy system knows email. A legacy system
// that fails or times out is a migration failure, never a silent "unknown".
func (b *SequenceBuilder) migrationTenant(ctx context.Context, email string, tenants []*tenantdomain.Tenant) (*tenantdomain.Tenant, domain.ErrorCode, error) {
	if b.legacy == nil {
		return nil, domain.CodeOK, nil
	}
	for _, t := range tenants {
		cfg, err := b.resolver.Migration(ctx, t.ID)
		if err != nil {
			return nil, "", err
		}
		if cfg == nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, b.outboundTimeout)
		exists, err := b.legacy.UsernameExists(callCtx, cfg.URI, email)
		cancel()
		if err != nil {
			b.logger.Warn("legacy username check failed", zap.String("tenant_id", t.ID), zap.Error(err))
			return nil, domain.CodeMigrationFailed, nil
		}
		if exists {
			return t, domain.CodeOK, nil
		}
	}
	return nil, domain.CodeOK, nil
}

// DetailRequest describes the password-based sequence to build for one tenant.
type DetailRequest struct {
	// First is the credential step; StepUnknown omits it (the password was set by Register).
	First domain.StepKind
	// User is nil while the user does not exist yet (migration).
	User         *userdomain.User
	Email        string
	Tenant       *tenantdomain.Tenant
	PreAuth      bool
	Device       bool
	Registration bool
}

// Detailed returns the step kinds after tenant selection: credential, MFA, terms, recovery,
// duress, rotation and the terminal step, plus the event the pseudo-step should carry.
func (b *SequenceBuilder) Detailed(ctx context.Context, req DetailRequest) ([]domain.StepKind, domain.EventKind, error) {
	var kinds []domain.StepKind
	if req.First != domain.StepUnknown {
		kinds = append(kinds, req.First)
	}
	user := req.User
	exists := user != nil && !user.IsPlaceholder()
	subject := user
	if subject == nil {
		subject = userdomain.NewPlaceholder("", req.Tenant.ID, req.Email, b.now().UTC())
	}

	var relations []userdomain.MfaRelation
	if exists {
		rels, err := b.users.GetMfaRelations(ctx, user.ID)
		if err != nil {
			return nil, domain.EventNone, fmt.Errorf("mfa relations: %w", err)
		}
		relations = rels
	}
	mfa, err := b.resolver.MFARequirements(ctx, req.Tenant, subject, engine.Flow{
		External: req.PreAuth || req.Device, Device: req.Device, Registration: req.Registration,
	})
	if err != nil {
		return nil, domain.EventNone, fmt.Errorf("mfa requirements: %w", err)
	}
	switch {
	case userdomain.HasMfa(relations, userdomain.MfaTotp):
		kinds = append(kinds, domain.StepValidateTotp)
	case mfa.RequireTotp:
		kinds = append(kinds, domain.StepConfigureTotp, domain.StepValidateTotp)
	}
	switch {
	case userdomain.HasMfa(relations, userdomain.MfaSecurityKey):
		kinds = append(kinds, domain.StepValidateSecurityKey)
	case mfa.RequireSecurityKey:
		kinds = append(kinds, domain.StepConfigureSecurityKey, domain.StepValidateSecurityKey)
	}

	if !req.PreAuth && !req.Device && req.Tenant.TermsRequired {
		accepted := false
		if exists {
			if accepted, err = b.users.HasAcceptedTerms(ctx, user.ID, req.Tenant.ID); err != nil {
				return nil, domain.EventNone, fmt.Errorf("terms acceptance: %w", err)
			}
		}
		if !accepted {
			kinds = append(kinds, domain.StepAcceptTermsAndConditions)
		}
	}
	if req.Tenant.RecoveryEmailRequired && (!exists || user.RecoveryEmail == "") {
		kinds = append(kinds, domain.StepConfigureRecoveryEmail)
	}
	if req.Tenant.DuressPasswordEnabled {
		var dc *userdomain.DuressCredential
		if exists {
			if dc, err = b.users.GetDuressCredential(ctx, user.ID); err != nil {
				return nil, domain.EventNone, fmt.Errorf("duress credential: %w", err)
			}
		}
		if dc == nil {
			kinds = append(kinds, domain.StepConfigureDuressPassword)
		}
	}

	if exists {
		due, err := b.rotationDue(ctx, user, req.Tenant.ID)
		if err != nil {
			return nil, domain.EventNone, err
		}
		if due {
			kinds = append(kinds, domain.StepRotatePassword)
		}
	}

	if req.PreAuth {
		kinds = append(kinds, domain.StepRedirectBackToApplication)
	} else {
		kinds = append(kinds, domain.StepRedirectToIamPortal)
	}
	return kinds, b.event(req.Device), nil
}

func (b *SequenceBuilder) rotationDue(ctx context.Context, user *userdomain.User, tenantID string) (bool, error) {
	creds, err := b.users.GetCredentials(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("credentials: %w", err)
	}
	latest := userdomain.Latest(creds)
	if latest == nil {
		return false, nil
	}
	policy, err := b.resolver.EffectivePasswordPolicy(ctx, tenantID, latest.TenantID)
	if err != nil {
		return false, err
	}
	return policy.RotationDue(latest.CreatedAt, b.now()), nil
}

func (b *SequenceBuilder) event(device bool) domain.EventKind {
	switch {
	case !b.eventsEnabled:
		return domain.EventNone
	case device:
		return domain.EventDeviceRegistered
	default:
		return domain.EventLoginSucceeded
	}
}

// Eligible filters tenants down to those email may use for the given purpose, applying the
// same domain, federation and registration rules as Build.
func Eligible(tenants []*tenantdomain.Tenant, email string, registering bool) []*tenantdomain.Tenant {
	d := userdomain.EmailDomain(email)
	return filterTenants(tenants, func(t *tenantdomain.Tenant) bool {
		return t.AllowsDomain(d) && !t.FederationExclusive && (!registering || t.SelfRegistrationAllowed)
	})
}

func accountStateCode(u *userdomain.User) domain.ErrorCode {
	switch {
	case u.MarkedForDelete:
		return domain.CodeAccountDeleted
	case u.Disabled:
		return domain.CodeAccountDisabled
	case u.Locked:
		return domain.CodeUserLocked
	default:
		return domain.CodeOK
	}
}

func filterTenants(in []*tenantdomain.Tenant, keep func(*tenantdomain.Tenant) bool) []*tenantdomain.Tenant {
	var out []*tenantdomain.Tenant
	for _, t := range in {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func preferTenant(tenants []*tenantdomain.Tenant, id string) string {
	for _, t := range tenants {
		if t.ID == id {
			return id
		}
	}
	return tenants[0].ID
}
