package engine

import (
	"context"
	"errors"
	"testing"

	"iam-workflow/backend/internal/policy/domain"
	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
)

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	e := NewOPAEvaluator(nil, nil)
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

// mockPolicySource implements PolicySource for tests.
type mockPolicySource struct {
	policies map[string][]*domain.Policy
	err      error
}

func (m *mockPolicySource) GetEnabledPoliciesByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.policies[tenantID], nil
}

func TestOPAEvaluator_EvaluateMFA_DefaultPolicyFollowsFlags(t *testing.T) {
	e := NewOPAEvaluator(&mockPolicySource{}, nil)
	tests := []struct {
		name   string
		tenant tenantdomain.Tenant
		want   MFAResult
	}{
		{"none", tenantdomain.Tenant{ID: "t1"}, MFAResult{}},
		{"totp", tenantdomain.Tenant{ID: "t1", TotpRequired: true}, MFAResult{RequireTotp: true}},
		{"key", tenantdomain.Tenant{ID: "t1", SecurityKeyRequired: true}, MFAResult{RequireSecurityKey: true}},
		{"both", tenantdomain.Tenant{ID: "t1", TotpRequired: true, SecurityKeyRequired: true}, MFAResult{RequireTotp: true, RequireSecurityKey: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateMFA(context.Background(), &tt.tenant, nil, Flow{})
			if err != nil {
				t.Fatalf("EvaluateMFA: %v", err)
			}
			if got != tt.want {
				t.Errorf("EvaluateMFA = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOPAEvaluator_EvaluateMFA_CustomPolicy(t *testing.T) {
	custom := `package iam.mfa

require_totp if {
	input.flow.external
}

require_security_key if {
	input.user.email_domain == "admin.example.com"
}
`
	src := &mockPolicySource{policies: map[string][]*domain.Policy{
		"t1": {{ID: "p1", TenantID: "t1", Enabled: true, Rules: custom}},
	}}
	e := NewOPAEvaluator(src, nil)
	tenant := &tenantdomain.Tenant{ID: "t1", TotpRequired: true}
	user := &userdomain.User{ID: "u1", Email: "root@admin.example.com"}

	got, err := e.EvaluateMFA(context.Background(), tenant, user, Flow{})
	if err != nil {
		t.Fatalf("EvaluateMFA: %v", err)
	}
	if got.RequireTotp {
		t.Error("stored policy replaces the default: TOTP should follow the flow, not the tenant flag")
	}
	if !got.RequireSecurityKey {
		t.Error("RequireSecurityKey should be true for the admin domain")
	}

	got, err = e.EvaluateMFA(context.Background(), tenant, user, Flow{External: true})
	if err != nil {
		t.Fatalf("EvaluateMFA: %v", err)
	}
	if !got.RequireTotp {
		t.Error("RequireTotp should be true for external flows")
	}
}

func TestOPAEvaluator_EvaluateMFA_FallsBackToFlags(t *testing.T) {
	broken := &mockPolicySource{policies: map[string][]*domain.Policy{
		"t1": {{ID: "p1", TenantID: "t1", Enabled: true, Rules: "package iam.mfa\n\nrequire_totp if {"}},
	}}
	tenant := &tenantdomain.Tenant{ID: "t1", SecurityKeyRequired: true}

	got, err := NewOPAEvaluator(broken, nil).EvaluateMFA(context.Background(), tenant, nil, Flow{})
	if err != nil {
		t.Fatalf("EvaluateMFA: %v", err)
	}
	if got != (MFAResult{RequireSecurityKey: true}) {
		t.Errorf("compile failure: want tenant flags, got %+v", got)
	}

	failing := &mockPolicySource{err: errors.New("db down")}
	got, err = NewOPAEvaluator(failing, nil).EvaluateMFA(context.Background(), tenant, nil, Flow{})
	if err != nil {
		t.Fatalf("EvaluateMFA: %v", err)
	}
	if !got.RequireSecurityKey {
		t.Errorf("load failure: want default policy result, got %+v", got)
	}
}

func TestOPAEvaluator_EvaluateMFA_DisabledPolicyIgnored(t *testing.T) {
	src := &mockPolicySource{policies: map[string][]*domain.Policy{
		"t1": {{ID: "p1", TenantID: "t1", Enabled: false, Rules: "package iam.mfa\n\ndefault require_totp = true\n"}},
	}}
	got, err := NewOPAEvaluator(src, nil).EvaluateMFA(context.Background(), &tenantdomain.Tenant{ID: "t1"}, nil, Flow{})
	if err != nil {
		t.Fatalf("EvaluateMFA: %v", err)
	}
	if got.RequireTotp {
		t.Error("disabled policy must not apply")
	}
}

func TestOPAEvaluator_EvaluateMFA_NilTenant(t *testing.T) {
	if _, err := NewOPAEvaluator(nil, nil).EvaluateMFA(context.Background(), nil, nil, Flow{}); err == nil {
		t.Error("want error for nil tenant")
	}
}
