// Package authstate finalizes workflows for third-party clients: it signs portal tokens and
// turns a completed pre-auth request into an authorization-code redirect.
package authstate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"iam-workflow/backend/internal/authstate/domain"
	"iam-workflow/backend/internal/security"
	userdomain "iam-workflow/backend/internal/user/domain"
)

// ErrPreAuthUnusable is returned when a pre-auth token is unknown, expired or already consumed.
var ErrPreAuthUnusable = errors.New("authstate: pre-auth state is not usable")

const authorizationCodeBytes = 32

// Store is the persistence the issuer needs.
type Store interface {
	GetPreAuthState(ctx context.Context, token string) (*domain.PreAuthState, error)
	ConsumePreAuthState(ctx context.Context, token string, at time.Time) error
	CreateAuthorizationCode(ctx context.Context, c *domain.AuthorizationCode) error
}

// PortalSigner signs portal access tokens.
type PortalSigner interface {
	IssuePortal(userID, tenantID, email string, ttl time.Duration) (string, time.Time, error)
}

// Issuer issues the artifacts a completed workflow hands back to the caller.
type Issuer struct {
	store   Store
	signer  PortalSigner
	codeTTL time.Duration
	now     func() time.Time
}

// NewIssuer returns an Issuer whose authorization codes expire after codeTTL.
func NewIssuer(store Store, signer PortalSigner, codeTTL time.Duration) *Issuer {
	return &Issuer{store: store, signer: signer, codeTTL: codeTTL, now: time.Now}
}

// SignPortalToken issues a portal token for u in tenantID valid for ttl.
func (i *Issuer) SignPortalToken(ctx context.Context, u *userdomain.User, tenantID string, ttl time.Duration) (string, time.Time, error) {
	return i.signer.IssuePortal(u.ID, tenantID, u.Email, ttl)
}

// GenerateAuthorizationCode consumes the pre-auth state and returns its redirect URI carrying a
// fresh authorization code and the client's state. Only the code's hash is stored.
func (i *Issuer) GenerateAuthorizationCode(ctx context.Context, userID, preAuthToken string) (string, error) {
	p, err := i.usable(ctx, preAuthToken)
	if err != nil {
		return "", err
	}
	code, err := security.NewOpaqueToken(authorizationCodeBytes)
	if err != nil {
		return "", err
	}
	now := i.now().UTC()
	if err := i.store.CreateAuthorizationCode(ctx, &domain.AuthorizationCode{
		CodeHash:     security.HashOpaqueToken(code),
		UserID:       userID,
		ClientID:     p.ClientID,
		TenantID:     p.TenantID,
		RedirectURI:  p.RedirectURI,
		PreAuthToken: preAuthToken,
		ExpiresAt:    now.Add(i.codeTTL),
		CreatedAt:    now,
	}); err != nil {
		return "", fmt.Errorf("store authorization code: %w", err)
	}
	if err := i.store.ConsumePreAuthState(ctx, preAuthToken, now); err != nil {
		return "", fmt.Errorf("consume pre-auth state: %w", err)
	}
	return p.RedirectWith(url.Values{"code": {code}})
}

// AccessDeniedRedirect consumes the pre-auth state and returns its redirect URI carrying
// error=access_denied. Used when the user cancels an external-origin workflow.
func (i *Issuer) AccessDeniedRedirect(ctx context.Context, preAuthToken string) (string, error) {
	p, err := i.usable(ctx, preAuthToken)
	if err != nil {
		return "", err
	}
	if err := i.store.ConsumePreAuthState(ctx, preAuthToken, i.now().UTC()); err != nil {
		return "", fmt.Errorf("consume pre-auth state: %w", err)
	}
	return p.RedirectWith(url.Values{"error": {"access_denied"}})
}

func (i *Issuer) usable(ctx context.Context, preAuthToken string) (*domain.PreAuthState, error) {
	p, err := i.store.GetPreAuthState(ctx, preAuthToken)
	if err != nil {
		return nil, fmt.Errorf("pre-auth state: %w", err)
	}
	if p == nil || !p.Usable(i.now()) {
		return nil, ErrPreAuthUnusable
	}
	return p, nil
}
