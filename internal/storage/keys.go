package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize          = 32
	MinKDFIterations = 100000
	minSaltSize      = 16
)

// Key is a derived AES-256 key. Derive it once at startup and hand it to NewVault.
type Key [KeySize]byte

// DeriveKey runs PBKDF2-HMAC-SHA256 over the deployment secret and salt.
// The salt is per-deployment configuration, never derived from the secret.
func DeriveKey(secret string, salt []byte, iterations int) (Key, error) {
	var k Key
	if secret == "" {
		return k, fmt.Errorf("vault secret is required")
	}
	if len(salt) < minSaltSize {
		return k, fmt.Errorf("vault salt must be at least %d bytes", minSaltSize)
	}
	if iterations < MinKDFIterations {
		iterations = MinKDFIterations
	}
	copy(k[:], pbkdf2.Key([]byte(secret), salt, iterations, KeySize, sha256.New))
	return k, nil
}
