package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	sessionTokenBytes = 32
	apiKeyBytes       = 16
	maskVisible       = 4
	maskFill          = "********"
)

// ErrPasswordMismatch is returned when a password does not match its hash.
var ErrPasswordMismatch = errors.New("password mismatch")

// GenerateSessionToken creates a cryptographically random session token.
func GenerateSessionToken() (string, error) {
	return randomHex(sessionTokenBytes)
}

// GenerateAPIKey creates a new 32 character plaintext API key secret.
func GenerateAPIKey() (string, error) {
	return randomHex(apiKeyBytes)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// DigestAPIKey returns the hex SHA-256 digest stored in place of the
// plaintext key.
func DigestAPIKey(plain string) string {
	sum := sha256.Sum256([]byte(plain))

	return hex.EncodeToString(sum[:])
}

// MaskAPIKey returns the display form of a secret: first four characters,
// eight asterisks, last four characters. Secrets too short to mask safely
// are fully hidden.
func MaskAPIKey(plain string) string {
	if len(plain) < 4*maskVisible {
		return strings.Repeat("*", len(plain))
	}

	return plain[:maskVisible] + maskFill + plain[len(plain)-maskVisible:]
}

// PasswordHasher hashes and verifies user passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// Compile-time interface check.
var _ PasswordHasher = (*BcryptHasher)(nil)

// BcryptHasher implements PasswordHasher with bcrypt.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher using bcrypt.DefaultCost.
func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{Cost: bcrypt.DefaultCost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}

func (h *BcryptHasher) Compare(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword(
		[]byte(hash), []byte(password),
	); err != nil {
		return ErrPasswordMismatch
	}

	return nil
}
