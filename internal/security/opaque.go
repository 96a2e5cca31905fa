package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// NewOpaqueToken returns a random URL-safe token with n bytes of entropy. Used for workflow
// session tokens, pre-auth tokens and authorization codes.
func NewOpaqueToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashOpaqueToken returns the hex SHA-256 of token. Authorization codes are stored hashed.
func HashOpaqueToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// OpaqueTokenHashEqual compares token against storedHash in constant time.
func OpaqueTokenHashEqual(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashOpaqueToken(token)), []byte(storedHash)) == 1
}
