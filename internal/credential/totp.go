package credential

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTP generates and verifies RFC 6238 codes (30s period, 6 digits, SHA1).
type TOTP struct {
	Issuer string
	// Skew is the number of periods before and after the current one that are accepted.
	Skew uint
}

// NewTOTP returns a TOTP using issuer in enrollment URIs.
func NewTOTP(issuer string, skew uint) *TOTP {
	return &TOTP{Issuer: issuer, Skew: skew}
}

// Generate creates a new secret for account and returns it with its otpauth:// URI.
func (t *TOTP) Generate(account string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.Issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Verify reports whether code is valid for secret at the given time.
func (t *TOTP) Verify(secret, code string, at time.Time) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      t.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
