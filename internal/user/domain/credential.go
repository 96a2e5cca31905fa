package domain

import (
	"math"
	"time"
)

// Credential is a stored password hash. TenantID records whose password policy was in force
// when it was created.
type Credential struct {
	ID        string
	UserID    string
	TenantID  string
	Hash      string
	Algorithm string
	CreatedAt time.Time
}

// DuressCredential is the secondary password that authenticates normally but raises a
// duress security event.
type DuressCredential struct {
	UserID    string
	Hash      string
	Algorithm string
	CreatedAt time.Time
}

// MfaKind is the type of an enrolled second factor.
type MfaKind string

const (
	MfaTotp        MfaKind = "totp"
	MfaSecurityKey MfaKind = "security_key"
)

// MfaRelation binds an enrolled second factor to a user. For TOTP, Secret is the base32 seed.
// For security keys, CredentialID/PublicKey/SignCount describe the WebAuthn credential.
type MfaRelation struct {
	ID           string
	UserID       string
	Kind         MfaKind
	Secret       string
	CredentialID []byte
	PublicKey    []byte
	AAGUID       []byte
	SignCount    uint32
	CreatedAt    time.Time
}

// TermsAcceptance records that a user accepted a tenant's terms and conditions.
type TermsAcceptance struct {
	UserID     string
	TenantID   string
	AcceptedAt time.Time
}

// LockedIndefinitely is the NextLoginNotBefore sentinel for a permanent lock.
var LockedIndefinitely = time.Unix(math.MaxInt32, 0).UTC()

// FailedAttempt is one failed credential check. Records accumulate per user; FailureCount is
// cumulative across them.
type FailedAttempt struct {
	ID                 string
	UserID             string
	FailureAt          time.Time
	FailureCount       int
	NextLoginNotBefore time.Time
}

// Last returns the most recent record in attempts (the last element), or nil.
func Last(attempts []FailedAttempt) *FailedAttempt {
	if len(attempts) == 0 {
		return nil
	}
	a := attempts[len(attempts)-1]
	return &a
}

// HasMfa reports whether relations contains a factor of kind k.
func HasMfa(relations []MfaRelation, k MfaKind) bool {
	for _, r := range relations {
		if r.Kind == k {
			return true
		}
	}
	return false
}

// Latest returns the most recently created credential, or nil.
func Latest(creds []Credential) *Credential {
	var out *Credential
	for i := range creds {
		if out == nil || creds[i].CreatedAt.After(out.CreatedAt) {
			c := creds[i]
			out = &c
		}
	}
	return out
}
