package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Role identifies the privilege level attached to a session.
type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// ErrInvalidCredentials is returned when a supplied password matches no
// configured role secret.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	secretHashIterations = 210000
	secretHashSaltLength = 16
	secretHashKeyLength  = 32
)

// Credentials verifies passwords against the two configured role secrets.
// Secrets may be supplied either as plaintext or in the encoded
// pbkdf2$sha256$<iter>$<salt>$<key> form produced by HashSecret.
type Credentials struct {
	operatorSecret string
	viewerSecret   string
}

// NewCredentials constructs a Credentials checker. Both secrets are required.
func NewCredentials(operatorSecret, viewerSecret string) (*Credentials, error) {
	if strings.TrimSpace(operatorSecret) == "" {
		return nil, fmt.Errorf("operator password is required")
	}
	if strings.TrimSpace(viewerSecret) == "" {
		return nil, fmt.Errorf("viewer password is required")
	}
	return &Credentials{operatorSecret: operatorSecret, viewerSecret: viewerSecret}, nil
}

// VerifyPassword reports the role whose secret matches the candidate. The
// operator secret is always checked first so a shared secret resolves to the
// higher privilege deterministically.
func (c *Credentials) VerifyPassword(candidate string) (Role, bool) {
	if c == nil || candidate == "" {
		return "", false
	}
	operatorOK := matchSecret(c.operatorSecret, candidate)
	viewerOK := matchSecret(c.viewerSecret, candidate)
	switch {
	case operatorOK:
		return RoleOperator, true
	case viewerOK:
		return RoleViewer, true
	default:
		return "", false
	}
}

func matchSecret(secret, candidate string) bool {
	if strings.HasPrefix(secret, "pbkdf2$") {
		return verifySecret(secret, candidate) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(candidate)) == 1
}

// HashSecret derives an encoded pbkdf2 hash suitable for storing in place of
// a plaintext role secret.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, secretHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, secretHashIterations, secretHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", secretHashIterations, encodedSalt, encodedKey), nil
}

func verifySecret(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify secret: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify secret: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify secret: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify secret: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify secret: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
