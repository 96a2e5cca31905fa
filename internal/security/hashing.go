package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Algorithm names a password hashing scheme. The value is persisted next to each credential.
type Algorithm string

const (
	AlgArgon2id     Algorithm = "argon2id"
	AlgScrypt       Algorithm = "scrypt"
	AlgBcrypt       Algorithm = "bcrypt"
	AlgPBKDF2SHA256 Algorithm = "pbkdf2-sha256"
	AlgSHA256       Algorithm = "sha256"
)

// ranking lists supported algorithms strongest first.
var ranking = []Algorithm{AlgArgon2id, AlgScrypt, AlgBcrypt, AlgPBKDF2SHA256, AlgSHA256}

var (
	// ErrMismatch is returned by Compare when password does not match the hash.
	ErrMismatch = errors.New("password mismatch")
	// ErrUnsupportedAlgorithm is returned for unknown algorithms or unparseable hashes.
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
)

// Rank returns the position of a in the strength ranking (0 is strongest), or -1 if unknown.
func Rank(a Algorithm) int {
	for i, r := range ranking {
		if r == a {
			return i
		}
	}
	return -1
}

// ParseAlgorithm returns the Algorithm named s, case-insensitively.
func ParseAlgorithm(s string) (Algorithm, bool) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	return a, Rank(a) >= 0
}

// Stronger returns whichever of a and b ranks higher. When neither is recognized it returns
// fallback.
func Stronger(a, b, fallback Algorithm) Algorithm {
	ra, rb := Rank(a), Rank(b)
	switch {
	case ra < 0 && rb < 0:
		return fallback
	case ra < 0:
		return b
	case rb < 0:
		return a
	case rb < ra:
		return b
	default:
		return a
	}
}

// Hasher hashes and verifies passwords with any supported algorithm. Hashes are stored in a
// self-describing "$alg$params$salt$hash" form (bcrypt keeps its native encoding), so Compare
// needs no side information. Callers must not log or persist plaintext passwords.
type Hasher struct {
	Cost int // bcrypt cost

	ScryptLogN       int
	Argon2Time       uint32
	Argon2MemoryKiB  uint32
	Argon2Threads    uint8
	PBKDF2Iterations int
}

// NewHasher returns a Hasher with the given bcrypt cost (4–31) and default parameters for
// the other algorithms.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{
		Cost:             cost,
		ScryptLogN:       15,
		Argon2Time:       1,
		Argon2MemoryKiB:  64 * 1024,
		Argon2Threads:    4,
		PBKDF2Iterations: 600_000,
	}
}

const (
	saltLen = 16
	keyLen  = 32
)

// Hash produces an encoded hash of password using alg.
func (h *Hasher) Hash(alg Algorithm, password []byte) (string, error) {
	if alg == AlgBcrypt {
		b, err := bcrypt.GenerateFromPassword(password, h.Cost)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	var params string
	var key []byte
	switch alg {
	case AlgArgon2id:
		params = fmt.Sprintf("v=%d,m=%d,t=%d,p=%d", argon2.Version, h.Argon2MemoryKiB, h.Argon2Time, h.Argon2Threads)
		key = argon2.IDKey(password, salt, h.Argon2Time, h.Argon2MemoryKiB, h.Argon2Threads, keyLen)
	case AlgScrypt:
		params = fmt.Sprintf("ln=%d,r=8,p=1", h.ScryptLogN)
		k, err := scrypt.Key(password, salt, 1<<h.ScryptLogN, 8, 1, keyLen)
		if err != nil {
			return "", err
		}
		key = k
	case AlgPBKDF2SHA256:
		params = fmt.Sprintf("i=%d", h.PBKDF2Iterations)
		key = pbkdf2.Key(password, salt, h.PBKDF2Iterations, keyLen, sha256.New)
	case AlgSHA256:
		params = "i=1"
		key = saltedSHA256(password, salt)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	enc := base64.RawStdEncoding
	return fmt.Sprintf("$%s$%s$%s$%s", alg, params, enc.EncodeToString(salt), enc.EncodeToString(key)), nil
}

// Compare verifies password against the stored hash in constant time. Returns nil on match,
// ErrMismatch on mismatch, or another error for an unparseable hash.
func (h *Hasher) Compare(hash string, password []byte) error {
	if strings.HasPrefix(hash, "$2") {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), password); err != nil {
			if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				return ErrMismatch
			}
			return err
		}
		return nil
	}
	parts := strings.Split(hash, "$")
	if len(parts) != 5 || parts[0] != "" {
		return ErrUnsupportedAlgorithm
	}
	params := parseParams(parts[2])
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	want, err := enc.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}
	var got []byte
	switch Algorithm(parts[1]) {
	case AlgArgon2id:
		got = argon2.IDKey(password, salt, uint32(params["t"]), uint32(params["m"]), uint8(params["p"]), uint32(len(want)))
	case AlgScrypt:
		got, err = scrypt.Key(password, salt, 1<<params["ln"], params["r"], params["p"], len(want))
		if err != nil {
			return err
		}
	case AlgPBKDF2SHA256:
		got = pbkdf2.Key(password, salt, params["i"], len(want), sha256.New)
	case AlgSHA256:
		got = saltedSHA256(password, salt)
	default:
		return ErrUnsupportedAlgorithm
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrMismatch
	}
	return nil
}

// AlgorithmOf reports the algorithm an encoded hash was produced with.
func AlgorithmOf(hash string) Algorithm {
	if strings.HasPrefix(hash, "$2") {
		return AlgBcrypt
	}
	parts := strings.Split(hash, "$")
	if len(parts) < 2 {
		return ""
	}
	if a, ok := ParseAlgorithm(parts[1]); ok {
		return a
	}
	return ""
}

func saltedSHA256(password, salt []byte) []byte {
	sum := sha256.Sum256(append(append([]byte(nil), salt...), password...))
	return sum[:]
}

func parseParams(s string) map[string]int {
	out := make(map[string]int)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}
