package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrInvalidKey is returned when PEM or key type is invalid.
	ErrInvalidKey = errors.New("invalid key")
	// ErrKeyMismatch is returned when the configured public key does not belong to the signing key.
	ErrKeyMismatch = errors.New("public key does not match signing key")
	// ErrUnsupportedKey is returned for keys that cannot sign portal tokens (neither RSA nor ECDSA).
	ErrUnsupportedKey = errors.New("unsupported key type")
)

// LoadPEM returns s when it is inline PEM (literal "\n" sequences, as found in env vars, are
// expanded); otherwise s is treated as a file path and read.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(strings.ReplaceAll(s, `\n`, "\n")), nil
	}
	return os.ReadFile(s)
}

func decodeBlock(s string) (*pem.Block, error) {
	raw, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, ErrInvalidKey
	}
	return block, nil
}

// ParsePrivateKey parses a PKCS#1, PKCS#8 or SEC 1 private key. s may be inline PEM or a file path.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	block, err := decodeBlock(s)
	if err != nil {
		return nil, err
	}
	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, ErrInvalidKey
	}
	return signer, nil
}

// ParsePublicKey parses a PKCS#1 or PKIX public key. s may be inline PEM or a file path.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, err := decodeBlock(s)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

// KeyAlg returns the JWS algorithm portal tokens and authorization codes are signed with for
// pub: "RS256" for RSA, "ES256" for ECDSA; empty otherwise.
func KeyAlg(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		return "ES256"
	default:
		return ""
	}
}

// LoadSigningKeys parses the token signing pair from JWT_PRIVATE_KEY and JWT_PUBLIC_KEY and
// checks that the public key belongs to the signer and has a supported algorithm.
func LoadSigningKeys(privateSrc, publicSrc string) (crypto.Signer, crypto.PublicKey, error) {
	signer, err := ParsePrivateKey(privateSrc)
	if err != nil {
		return nil, nil, fmt.Errorf("signing key: %w", err)
	}
	pub, err := ParsePublicKey(publicSrc)
	if err != nil {
		return nil, nil, fmt.Errorf("verification key: %w", err)
	}
	if KeyAlg(pub) == "" {
		return nil, nil, ErrUnsupportedKey
	}
	eq, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !eq.Equal(pub) {
		return nil, nil, ErrKeyMismatch
	}
	return signer, pub, nil
}
