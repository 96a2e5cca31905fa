package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"iam-workflow/backend/internal/security"
)

// DefaultSpecialCharacters is used when special characters are required but neither tenant
// names an allowed set.
const DefaultSpecialCharacters = "!#$%&()*+,-./:;<=>?@[]^_{|}~"

// ErrPasswordPolicy is returned (wrapped) when a candidate password violates a policy.
var ErrPasswordPolicy = errors.New("password does not satisfy policy")

// PasswordPolicy is a tenant password policy. When a user crosses tenants the effective
// policy is the merge of both; it is computed per event and never stored.
type PasswordPolicy struct {
	TenantID                 string
	MinLength                int
	MaxLength                int
	RequireUpper             bool
	RequireLower             bool
	RequireNumber            bool
	RequireSpecial           bool
	AllowedSpecialCharacters string
	// HistoryPeriod forbids reusing a password created within this window. Zero disables.
	HistoryPeriod time.Duration
	// RotationPeriod forces a new password once the current one is older. Zero disables.
	RotationPeriod time.Duration
	HashAlgorithm  security.Algorithm
}

// DefaultPasswordPolicy is applied to tenants without a configured policy.
func DefaultPasswordPolicy(alg security.Algorithm) PasswordPolicy {
	return PasswordPolicy{
		MinLength:                12,
		MaxLength:                128,
		RequireUpper:             true,
		RequireLower:             true,
		RequireNumber:            true,
		RequireSpecial:           true,
		AllowedSpecialCharacters: DefaultSpecialCharacters,
		HashAlgorithm:            alg,
	}
}

// MergePasswordPolicies combines the policy of the tenant being entered (primary) with the
// policy the user's credential was created under (other). Numeric bounds take the larger
// value, requirements are OR'd, allowed special characters are intersected, and the hash
// algorithm is the higher ranked of the two (systemDefault when neither is recognized).
func MergePasswordPolicies(primary, other PasswordPolicy, systemDefault security.Algorithm) PasswordPolicy {
	out := PasswordPolicy{
		TenantID:       primary.TenantID,
		MinLength:      max(primary.MinLength, other.MinLength),
		MaxLength:      max(primary.MaxLength, other.MaxLength),
		RequireUpper:   primary.RequireUpper || other.RequireUpper,
		RequireLower:   primary.RequireLower || other.RequireLower,
		RequireNumber:  primary.RequireNumber || other.RequireNumber,
		RequireSpecial: primary.RequireSpecial || other.RequireSpecial,
		HistoryPeriod:  max(primary.HistoryPeriod, other.HistoryPeriod),
		RotationPeriod: minNonZero(primary.RotationPeriod, other.RotationPeriod),
		HashAlgorithm:  security.Stronger(primary.HashAlgorithm, other.HashAlgorithm, systemDefault),
	}
	out.AllowedSpecialCharacters = intersectChars(primary.AllowedSpecialCharacters, other.AllowedSpecialCharacters)
	if out.AllowedSpecialCharacters == "" && out.RequireSpecial {
		switch {
		case other.AllowedSpecialCharacters != "":
			out.AllowedSpecialCharacters = other.AllowedSpecialCharacters
		case primary.AllowedSpecialCharacters != "":
			out.AllowedSpecialCharacters = primary.AllowedSpecialCharacters
		default:
			out.AllowedSpecialCharacters = DefaultSpecialCharacters
		}
	}
	return out
}

func minNonZero(a, b time.Duration) time.Duration {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	default:
		return min(a, b)
	}
}

// intersectChars returns the sorted set of runes present in both a and b.
func intersectChars(a, b string) string {
	inB := make(map[rune]bool, len(b))
	for _, r := range b {
		inB[r] = true
	}
	seen := make(map[rune]bool)
	var out []rune
	for _, r := range a {
		if inB[r] && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return string(out)
}

// Check validates password against p and returns an error wrapping ErrPasswordPolicy that
// lists every violated rule.
func (p PasswordPolicy) Check(password string) error {
	var reasons []string
	n := len([]rune(password))
	if p.MinLength > 0 && n < p.MinLength {
		reasons = append(reasons, fmt.Sprintf("must be at least %d characters", p.MinLength))
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		reasons = append(reasons, fmt.Sprintf("must be at most %d characters", p.MaxLength))
	}
	var hasUpper, hasLower, hasNumber, hasSpecial, badSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasNumber = true
		default:
			hasSpecial = true
			if p.AllowedSpecialCharacters != "" && !strings.ContainsRune(p.AllowedSpecialCharacters, r) {
				badSpecial = true
			}
		}
	}
	if p.RequireUpper && !hasUpper {
		reasons = append(reasons, "must contain an uppercase letter")
	}
	if p.RequireLower && !hasLower {
		reasons = append(reasons, "must contain a lowercase letter")
	}
	if p.RequireNumber && !hasNumber {
		reasons = append(reasons, "must contain a number")
	}
	if p.RequireSpecial && !hasSpecial {
		reasons = append(reasons, "must contain a special character")
	}
	if badSpecial {
		reasons = append(reasons, "contains a special character that is not allowed")
	}
	if len(reasons) > 0 {
		return fmt.Errorf("%w: %s", ErrPasswordPolicy, strings.Join(reasons, "; "))
	}
	return nil
}

// RotationDue reports whether a credential created at createdAt must be rotated at now.
func (p PasswordPolicy) RotationDue(createdAt, now time.Time) bool {
	return p.RotationPeriod > 0 && !now.Before(createdAt.Add(p.RotationPeriod))
}
