// Package domain models the third-party client state a workflow can originate from: OAuth
// pre-authorization requests, device codes and the authorization codes issued on completion.
package domain

import (
	"net/url"
	"time"
)

// PreAuthState is a pending authorization request from a client application. Token is the
// opaque value carried on the workflow as PreAuthToken.
type PreAuthState struct {
	Token       string
	ClientID    string
	TenantID    string
	RedirectURI string
	State       string
	Scope       string
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// Usable reports whether the pre-auth state can still start or finish a workflow.
func (p *PreAuthState) Usable(now time.Time) bool {
	return p.ConsumedAt == nil && now.Before(p.ExpiresAt)
}

// RedirectWith returns RedirectURI with params and the client state appended.
func (p *PreAuthState) RedirectWith(params url.Values) (string, error) {
	u, err := url.Parse(p.RedirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if p.State != "" {
		q.Set("state", p.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type DeviceCodeStatus string

const (
	DeviceCodePending   DeviceCodeStatus = "pending"
	DeviceCodeApproved  DeviceCodeStatus = "approved"
	DeviceCodeCancelled DeviceCodeStatus = "cancelled"
)

// DeviceCode is an RFC 8628 style device authorization grant awaiting user approval.
type DeviceCode struct {
	ID        string
	UserCode  string
	ClientID  string
	TenantID  string
	Status    DeviceCodeStatus
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Usable reports whether the device code is still pending and unexpired.
func (d *DeviceCode) Usable(now time.Time) bool {
	return d.Status == DeviceCodePending && now.Before(d.ExpiresAt)
}

// AuthorizationCode is issued when a pre-auth workflow completes. Only the hash of the code
// is stored.
type AuthorizationCode struct {
	CodeHash     string
	UserID       string
	ClientID     string
	TenantID     string
	RedirectURI  string
	PreAuthToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}
