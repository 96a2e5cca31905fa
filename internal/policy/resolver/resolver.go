// Package resolver answers the per-tenant policy questions the workflow asks: which tenants an
// email may sign in to, and which password, failure and MFA policies apply there.
package resolver

import (
	"context"
	"fmt"

	membershipdomain "iam-workflow/backend/internal/membership/domain"
	"iam-workflow/backend/internal/policy/domain"
	"iam-workflow/backend/internal/policy/engine"
	"iam-workflow/backend/internal/security"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
)

// TenantStore reads tenants and their routing configuration.
type TenantStore interface {
	GetTenantByID(ctx context.Context, id string) (*tenantdomain.Tenant, error)
	GetRestrictedDomains(ctx context.Context, tenantID string) ([]string, error)
	GetLegacyMigrationConfig(ctx context.Context, tenantID string) (*tenantdomain.LegacyMigrationConfig, error)
	GetDomainTenantMappings(ctx context.Context, emailDomain string) ([]tenantdomain.DomainMapping, error)
}

// PolicyStore reads stored password and failure policies; nil means the tenant has none.
type PolicyStore interface {
	GetPasswordPolicy(ctx context.Context, tenantID string) (*domain.PasswordPolicy, error)
	GetFailurePolicy(ctx context.Context, tenantID string) (*domain.FailurePolicy, error)
}

// MembershipStore lists the tenants a user belongs to besides their home tenant.
type MembershipStore interface {
	ListByUser(ctx context.Context, userID string) ([]*membershipdomain.Membership, error)
}

// Config holds the system defaults applied when a tenant configures nothing.
type Config struct {
	DefaultTenantID         string
	DefaultFailureThreshold int
	DefaultHashAlgorithm    security.Algorithm
}

// Resolver resolves tenants and effective policies.
type Resolver struct {
	tenants     TenantStore
	policies    PolicyStore
	memberships MembershipStore
	mfa         engine.Evaluator
	cfg         Config
}

// New returns a Resolver. mfa may be nil, in which case MFA requirements follow tenant flags.
func New(tenants TenantStore, policies PolicyStore, memberships MembershipStore, mfa engine.Evaluator, cfg Config) *Resolver {
	if _, ok := security.ParseAlgorithm(string(cfg.DefaultHashAlgorithm)); !ok {
		cfg.DefaultHashAlgorithm = security.AlgBcrypt
	}
	return &Resolver{tenants: tenants, policies: policies, memberships: memberships, mfa: mfa, cfg: cfg}
}

// Tenant returns the tenant with its restricted domains populated, or nil if it does not exist.
func (r *Resolver) Tenant(ctx context.Context, id string) (*tenantdomain.Tenant, error) {
	if id == "" {
		return nil, nil
	}
	t, err := r.tenants.GetTenantByID(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}
	domains, err := r.tenants.GetRestrictedDomains(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restricted domains: %w", err)
	}
	t.RestrictedDomains = domains
	return t, nil
}

// CandidateTenants returns the active tenants an email may sign in to. An existing user is
// eligible for their home tenant and every tenant they are a member of; an unknown email is
// routed by its domain. The configured default tenant is the last resort.
func (r *Resolver) CandidateTenants(ctx context.Context, user *userdomain.User, email string) ([]*tenantdomain.Tenant, error) {
	var ids []string
	if user != nil && !user.IsPlaceholder() {
		ids = append(ids, user.TenantID)
		ms, err := r.memberships.ListByUser(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("memberships: %w", err)
		}
		for _, m := range ms {
			ids = append(ids, m.TenantID)
		}
	} else if d := userdomain.EmailDomain(email); d != "" {
		mappings, err := r.tenants.GetDomainTenantMappings(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("domain mappings: %w", err)
		}
		for _, m := range mappings {
			ids = append(ids, m.TenantID)
		}
	}
	if len(ids) == 0 && r.cfg.DefaultTenantID != "" {
		ids = append(ids, r.cfg.DefaultTenantID)
	}

	seen := make(map[string]bool, len(ids))
	var out []*tenantdomain.Tenant
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		t, err := r.Tenant(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil || t.Status == tenantdomain.TenantStatusSuspended {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// PasswordPolicy returns the tenant's stored password policy or the system default.
func (r *Resolver) PasswordPolicy(ctx context.Context, tenantID string) (domain.PasswordPolicy, error) {
	p, err := r.policies.GetPasswordPolicy(ctx, tenantID)
	if err != nil {
		return domain.PasswordPolicy{}, fmt.Errorf("password policy: %w", err)
	}
	if p == nil {
		d := domain.DefaultPasswordPolicy(r.cfg.DefaultHashAlgorithm)
		d.TenantID = tenantID
		return d, nil
	}
	return *p, nil
}

// EffectivePasswordPolicy returns the policy a user authenticating into target must satisfy.
// When the user's credential was created under a different tenant the two policies are merged.
func (r *Resolver) EffectivePasswordPolicy(ctx context.Context, target, credentialTenant string) (domain.PasswordPolicy, error) {
	primary, err := r.PasswordPolicy(ctx, target)
	if err != nil {
		return domain.PasswordPolicy{}, err
	}
	if credentialTenant == "" || credentialTenant == target {
		return primary, nil
	}
	other, err := r.PasswordPolicy(ctx, credentialTenant)
	if err != nil {
		return domain.PasswordPolicy{}, err
	}
	return domain.MergePasswordPolicies(primary, other, r.cfg.DefaultHashAlgorithm), nil
}

// FailurePolicy returns the tenant's failure policy, or the default lock policy.
func (r *Resolver) FailurePolicy(ctx context.Context, tenantID string) (domain.FailurePolicy, error) {
	p, err := r.policies.GetFailurePolicy(ctx, tenantID)
	if err != nil {
		return domain.FailurePolicy{}, fmt.Errorf("failure policy: %w", err)
	}
	if p == nil {
		d := domain.DefaultFailurePolicy(r.cfg.DefaultFailureThreshold)
		d.TenantID = tenantID
		return d, nil
	}
	if p.Threshold <= 0 {
		p.Threshold = domain.DefaultFailurePolicy(r.cfg.DefaultFailureThreshold).Threshold
	}
	return *p, nil
}

// MFARequirements returns which second factors tenant requires of user.
func (r *Resolver) MFARequirements(ctx context.Context, tenant *tenantdomain.Tenant, user *userdomain.User, flow engine.Flow) (engine.MFAResult, error) {
	if r.mfa == nil {
		return engine.MFAResult{RequireTotp: tenant.TotpRequired, RequireSecurityKey: tenant.SecurityKeyRequired}, nil
	}
	return r.mfa.EvaluateMFA(ctx, tenant, user, flow)
}

// Migration returns the tenant's legacy migration config when migration is enabled, else nil.
func (r *Resolver) Migration(ctx context.Context, tenantID string) (*tenantdomain.LegacyMigrationConfig, error) {
	c, err := r.tenants.GetLegacyMigrationConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("migration config: %w", err)
	}
	if c == nil || !c.Enabled || c.URI == "" {
		return nil, nil
	}
	return c, nil
}
