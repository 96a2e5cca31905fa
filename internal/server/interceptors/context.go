package interceptors

import (
	"context"

	"iam-workflow/backend/internal/security"
)

type callerKey struct{}

// Caller is the portal user behind an authenticated admin RPC. Workflow RPCs never carry one.
type Caller struct {
	UserID   string
	TenantID string
	Email    string
	TokenID  string
}

// CallerFromClaims maps validated portal claims onto a Caller.
func CallerFromClaims(c *security.PortalClaims) Caller {
	return Caller{UserID: c.Subject, TenantID: c.TenantID, Email: c.Email, TokenID: c.ID}
}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached by AuthUnary, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// GetUserID returns the caller's user id and true when a caller is attached.
func GetUserID(ctx context.Context) (string, bool) {
	c, ok := CallerFrom(ctx)
	return c.UserID, ok
}

// GetTenantID returns the caller's tenant id and true when a caller is attached.
func GetTenantID(ctx context.Context) (string, bool) {
	c, ok := CallerFrom(ctx)
	return c.TenantID, ok
}
