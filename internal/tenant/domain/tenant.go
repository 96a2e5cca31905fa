package domain

import (
	"errors"
	"strings"
	"time"
)

// Tenant represents an isolated identity realm and the workflow toggles it enforces.
type Tenant struct {
	ID     string
	Name   string
	Status TenantStatus
	// SelfRegistrationAllowed permits unknown emails to register.
	SelfRegistrationAllowed bool
	// FederationExclusive forbids any authentication not delegated to a federated provider.
	FederationExclusive   bool
	TotpRequired          bool
	SecurityKeyRequired   bool
	TermsRequired         bool
	RecoveryEmailRequired bool
	DuressPasswordEnabled bool
	CaptchaRequired       bool
	// RestrictedDomains, when non-empty, is the set of email domains allowed to sign in.
	RestrictedDomains []string
	CreatedAt         time.Time
}

type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
)

// Validate validates the tenant for persistence. Returns an error describing the first validation failure.
func (t *Tenant) Validate() error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.Status == "" {
		t.Status = TenantStatusActive
	}
	return nil
}

// AllowsDomain reports whether an email in domain may authenticate into t.
func (t *Tenant) AllowsDomain(domain string) bool {
	if len(t.RestrictedDomains) == 0 {
		return true
	}
	for _, d := range t.RestrictedDomains {
		if strings.EqualFold(strings.TrimSpace(d), domain) {
			return true
		}
	}
	return false
}

// LegacyMigrationConfig points a tenant at the legacy identity system users are imported from.
type LegacyMigrationConfig struct {
	TenantID string
	Enabled  bool
	URI      string
}

// DomainMapping routes an email domain to a tenant for portal logins.
type DomainMapping struct {
	Domain   string
	TenantID string
}
