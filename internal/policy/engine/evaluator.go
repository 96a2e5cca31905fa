package engine

import (
	"context"

	tenantdomain "iam-workflow/backend/internal/tenant/domain"
	userdomain "iam-workflow/backend/internal/user/domain"
)

// MFAResult holds the result of MFA policy evaluation.
type MFAResult struct {
	RequireTotp        bool
	RequireSecurityKey bool
}

// Flow describes how the workflow being planned was started.
type Flow struct {
	External     bool // started by a third-party client (pre-auth or device code)
	Device       bool // device authorization grant
	Registration bool
}

// Evaluator evaluates MFA policies using OPA or other engines.
type Evaluator interface {
	// EvaluateMFA returns which second factors the tenant requires of user for the given flow.
	// user may be nil for a registration that has not created the account yet.
	EvaluateMFA(ctx context.Context, tenant *tenantdomain.Tenant, user *userdomain.User, flow Flow) (MFAResult, error)
}
