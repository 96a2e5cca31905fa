package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
)

// NewTestTokenProvider returns an ES256 TokenProvider over a freshly generated P-256 key.
// For tests in this module only.
func NewTestTokenProvider() (*TokenProvider, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewTokenProvider(key, &key.PublicKey, "test-issuer", "test-audience"), nil
}
