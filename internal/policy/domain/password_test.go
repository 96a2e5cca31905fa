package domain

import (
	"errors"
	"testing"
	"time"

	"iam-workflow/backend/internal/security"
)

func TestMergePasswordPolicies_FieldRules(t *testing.T) {
	a := PasswordPolicy{
		TenantID:                 "a",
		MinLength:                8,
		MaxLength:                64,
		RequireUpper:             true,
		AllowedSpecialCharacters: "!@#",
		HistoryPeriod:            24 * time.Hour,
		RotationPeriod:           90 * 24 * time.Hour,
		HashAlgorithm:            security.AlgBcrypt,
	}
	b := PasswordPolicy{
		TenantID:                 "b",
		MinLength:                12,
		MaxLength:                32,
		RequireNumber:            true,
		RequireSpecial:           true,
		AllowedSpecialCharacters: "#!$",
		HistoryPeriod:            time.Hour,
		RotationPeriod:           30 * 24 * time.Hour,
		HashAlgorithm:            security.AlgScrypt,
	}
	got := MergePasswordPolicies(a, b, security.AlgBcrypt)
	if got.TenantID != "a" {
		t.Errorf("TenantID: want primary, got %q", got.TenantID)
	}
	if got.MinLength != 12 || got.MaxLength != 64 {
		t.Errorf("lengths: got min=%d max=%d", got.MinLength, got.MaxLength)
	}
	if !got.RequireUpper || got.RequireLower || !got.RequireNumber || !got.RequireSpecial {
		t.Errorf("requirements not OR'd: %+v", got)
	}
	if got.AllowedSpecialCharacters != "!#" {
		t.Errorf("special chars: want intersection \"!#\", got %q", got.AllowedSpecialCharacters)
	}
	if got.HistoryPeriod != 24*time.Hour {
		t.Errorf("history: got %v", got.HistoryPeriod)
	}
	if got.RotationPeriod != 30*24*time.Hour {
		t.Errorf("rotation: want the shorter period, got %v", got.RotationPeriod)
	}
	if got.HashAlgorithm != security.AlgScrypt {
		t.Errorf("hash: want scrypt, got %q", got.HashAlgorithm)
	}
}

func TestMergePasswordPolicies_Symmetric(t *testing.T) {
	policies := []PasswordPolicy{
		{},
		DefaultPasswordPolicy(security.AlgBcrypt),
		{MinLength: 4, MaxLength: 16, RequireLower: true, AllowedSpecialCharacters: "-_", HistoryPeriod: time.Hour},
		{MinLength: 10, RequireSpecial: true, AllowedSpecialCharacters: "_!-", RotationPeriod: time.Hour, HashAlgorithm: security.AlgArgon2id},
		{MaxLength: 200, RequireUpper: true, RequireNumber: true, RotationPeriod: 2 * time.Hour, HashAlgorithm: "md5"},
	}
	for i, a := range policies {
		for j, b := range policies {
			ab := MergePasswordPolicies(a, b, security.AlgBcrypt)
			ba := MergePasswordPolicies(b, a, security.AlgBcrypt)
			if ab.MinLength != ba.MinLength || ab.MaxLength != ba.MaxLength || ab.HistoryPeriod != ba.HistoryPeriod ||
				ab.RotationPeriod != ba.RotationPeriod {
				t.Errorf("merge(%d,%d) numeric fields not symmetric: %+v vs %+v", i, j, ab, ba)
			}
			if ab.RequireUpper != ba.RequireUpper || ab.RequireLower != ba.RequireLower ||
				ab.RequireNumber != ba.RequireNumber || ab.RequireSpecial != ba.RequireSpecial {
				t.Errorf("merge(%d,%d) boolean fields not symmetric", i, j)
			}
			if ab.HashAlgorithm != ba.HashAlgorithm {
				t.Errorf("merge(%d,%d) hash: %q vs %q", i, j, ab.HashAlgorithm, ba.HashAlgorithm)
			}
		}
	}
}

func TestMergePasswordPolicies_SpecialCharacterFallback(t *testing.T) {
	primary := PasswordPolicy{RequireSpecial: true, AllowedSpecialCharacters: "!"}
	other := PasswordPolicy{AllowedSpecialCharacters: "#"}
	if got := MergePasswordPolicies(primary, other, security.AlgBcrypt); got.AllowedSpecialCharacters != "#" {
		t.Errorf("empty intersection: want other's set, got %q", got.AllowedSpecialCharacters)
	}
	other.AllowedSpecialCharacters = ""
	if got := MergePasswordPolicies(primary, other, security.AlgBcrypt); got.AllowedSpecialCharacters != "!" {
		t.Errorf("other empty: want primary's set, got %q", got.AllowedSpecialCharacters)
	}
	primary.AllowedSpecialCharacters = ""
	if got := MergePasswordPolicies(primary, other, security.AlgBcrypt); got.AllowedSpecialCharacters != DefaultSpecialCharacters {
		t.Errorf("both empty: want default set, got %q", got.AllowedSpecialCharacters)
	}
	primary.RequireSpecial = false
	if got := MergePasswordPolicies(primary, other, security.AlgBcrypt); got.AllowedSpecialCharacters != "" {
		t.Errorf("not required: want empty, got %q", got.AllowedSpecialCharacters)
	}
}

func TestMergePasswordPolicies_UnknownAlgorithms(t *testing.T) {
	got := MergePasswordPolicies(PasswordPolicy{HashAlgorithm: "md5"}, PasswordPolicy{}, security.AlgPBKDF2SHA256)
	if got.HashAlgorithm != security.AlgPBKDF2SHA256 {
		t.Errorf("want system default, got %q", got.HashAlgorithm)
	}
}

func TestPasswordPolicy_Check(t *testing.T) {
	p := DefaultPasswordPolicy(security.AlgBcrypt)
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "Correct-Horse7", false},
		{"too short", "Ab1!", true},
		{"no upper", "correct-horse7", true},
		{"no lower", "CORRECT-HORSE7", true},
		{"no number", "Correct-Horses", true},
		{"no special", "CorrectHorse77", true},
		{"disallowed special", "Correct\"Horse7", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Check(tt.password)
			if tt.wantErr && !errors.Is(err, ErrPasswordPolicy) {
				t.Errorf("want ErrPasswordPolicy, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("want nil, got %v", err)
			}
		})
	}
}

func TestPasswordPolicy_RotationDue(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := PasswordPolicy{RotationPeriod: 24 * time.Hour}
	if p.RotationDue(created, created.Add(23*time.Hour)) {
		t.Error("rotation not yet due")
	}
	if !p.RotationDue(created, created.Add(24*time.Hour)) {
		t.Error("rotation due at exactly the period")
	}
	if (PasswordPolicy{}).RotationDue(created, created.Add(1000*time.Hour)) {
		t.Error("zero period never rotates")
	}
}
