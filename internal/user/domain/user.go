package domain

import (
	"errors"
	"strings"
	"time"
)

// User is the core principal entity. Placeholder users created for registration or legacy
// migration are Pending, and also disabled, locked and marked for delete, until a workflow
// activates them.
type User struct {
	ID              string
	TenantID        string // home tenant; its password policy created the user's credentials
	Email           string
	Name            string
	Phone           string
	RecoveryEmail   string
	Disabled        bool
	Locked          bool
	MarkedForDelete bool
	// Pending is set only by NewPlaceholder and cleared on activation.
	Pending         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LookupKind selects which attribute IdentityStore.GetUserBy matches on.
type LookupKind string

const (
	LookupByEmail            LookupKind = "email"
	LookupByID               LookupKind = "id"
	LookupByPhone            LookupKind = "phone"
	LookupByFederatedSubject LookupKind = "federated_subject"
)

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.TenantID == "" {
		return errors.New("tenant is required")
	}
	return nil
}

// IsPlaceholder reports whether u is a placeholder that has not been activated. An account that
// is merely disabled, locked and marked for delete is not one.
func (u *User) IsPlaceholder() bool {
	return u.Pending
}

// NewPlaceholder returns the disabled, locked, marked-for-delete user that migration and
// pre-registration flows attach their steps to.
func NewPlaceholder(id, tenantID, email string, now time.Time) *User {
	return &User{
		ID:              id,
		TenantID:        tenantID,
		Email:           NormalizeEmail(email),
		Disabled:        true,
		Locked:          true,
		MarkedForDelete: true,
		Pending:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NormalizeEmail lowercases and trims an address for lookup and storage.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// EmailDomain returns the part of email after the last '@', or "" when absent.
func EmailDomain(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}
