package domain

import (
	"strings"
	"time"
)

// Provider is an external OIDC identity provider that owns every email address in Domain.
type Provider struct {
	ID           string
	TenantID     string
	Domain       string
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	CreatedAt    time.Time
}

// ScopesOrDefault returns p.Scopes, or the standard OIDC scopes when none are configured.
func (p *Provider) ScopesOrDefault() []string {
	if len(p.Scopes) == 0 {
		return []string{"openid", "email", "profile"}
	}
	return p.Scopes
}

// ParseScopes splits a space separated scope string.
func ParseScopes(s string) []string {
	return strings.Fields(s)
}

// Claims are the ID token claims a federated login needs.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}
