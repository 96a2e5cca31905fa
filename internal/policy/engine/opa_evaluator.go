package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"iam-workflow/backend/internal/policy/domain"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
)

const defaultPolicyPackage = "iam.mfa"

// Default Rego policy: second factors follow the tenant flags.
const defaultRegoPolicy = `package iam.mfa

default require_totp = false
default require_security_key = false

require_totp if {
	input.tenant.totp_required
}

require_security_key if {
	input.tenant.security_key_required
}
`

// PolicySource loads the stored Rego modules of a tenant.
type PolicySource interface {
	GetEnabledPoliciesByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error)
}

// OPAEvaluator evaluates MFA policies using OPA Rego.
type OPAEvaluator struct {
	policies PolicySource
	logger   *zap.Logger
}

// NewOPAEvaluator returns an OPA-based policy evaluator. policies may be nil, in which case
// only the default policy is used.
func NewOPAEvaluator(policies PolicySource, logger *zap.Logger) *OPAEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OPAEvaluator{policies: policies, logger: logger}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate the default policy.
// Does not call the policy store or database. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	compiler, err := ast.CompileModules(map[string]string{"policy_0.rego": defaultRegoPolicy})
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	q := rego.New(
		rego.Query("data."+defaultPolicyPackage+".require_totp"),
		rego.Compiler(compiler),
		rego.Input(buildInput(&tenantdomain.Tenant{}, nil, Flow{})),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// EvaluateMFA evaluates the tenant's enabled policies, or the default policy when it has none.
// Load or evaluation failures are logged and the tenant flags are returned.
func (e *OPAEvaluator) EvaluateMFA(ctx context.Context, tenant *tenantdomain.Tenant, user *userdomain.User, flow Flow) (MFAResult, error) {
	if tenant == nil {
		return MFAResult{}, fmt.Errorf("tenant is required")
	}
	var modules []string
	if e.policies != nil {
		stored, err := e.policies.GetEnabledPoliciesByTenant(ctx, tenant.ID)
		if err != nil {
			e.logger.Warn("policy: failed to load tenant policies", zap.String("tenant_id", tenant.ID), zap.Error(err))
		}
		for _, p := range stored {
			if p.Enabled && p.Rules != "" {
				modules = append(modules, p.Rules)
			}
		}
	}
	if len(modules) == 0 {
		modules = []string{defaultRegoPolicy}
	}

	result, err := evaluate(ctx, modules, buildInput(tenant, user, flow))
	if err != nil {
		e.logger.Warn("policy: evaluation failed, using tenant flags", zap.String("tenant_id", tenant.ID), zap.Error(err))
		return flagResult(tenant), nil
	}
	return result, nil
}

func buildInput(tenant *tenantdomain.Tenant, user *userdomain.User, flow Flow) map[string]interface{} {
	userMap := map[string]interface{}{
		"id":           "",
		"email_domain": "",
		"exists":       false,
	}
	if user != nil {
		userMap["id"] = user.ID
		userMap["email_domain"] = userdomain.EmailDomain(user.Email)
		userMap["exists"] = !user.IsPlaceholder()
	}
	return map[string]interface{}{
		"tenant": map[string]interface{}{
			"id":                    tenant.ID,
			"totp_required":         tenant.TotpRequired,
			"security_key_required": tenant.SecurityKeyRequired,
		},
		"user": userMap,
		"flow": map[string]interface{}{
			"external":     flow.External,
			"device":       flow.Device,
			"registration": flow.Registration,
		},
	}
}

func evaluate(ctx context.Context, policies []string, input map[string]interface{}) (MFAResult, error) {
	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = p
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return MFAResult{}, fmt.Errorf("compile policies: %w", err)
	}
	var out MFAResult
	if out.RequireTotp, err = queryBool(ctx, compiler, "require_totp", input); err != nil {
		return MFAResult{}, err
	}
	if out.RequireSecurityKey, err = queryBool(ctx, compiler, "require_security_key", input); err != nil {
		return MFAResult{}, err
	}
	return out, nil
}

// queryBool evaluates one rule of the policy package. An undefined rule is false.
func queryBool(ctx context.Context, compiler *ast.Compiler, rule string, input map[string]interface{}) (bool, error) {
	rs, err := rego.New(
		rego.Query("data."+defaultPolicyPackage+"."+rule),
		rego.Compiler(compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval %s: %w", rule, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("eval %s: non-boolean result %T", rule, rs[0].Expressions[0].Value)
	}
	return v, nil
}

func flagResult(tenant *tenantdomain.Tenant) MFAResult {
	return MFAResult{RequireTotp: tenant.TotpRequired, RequireSecurityKey: tenant.SecurityKeyRequired}
}
