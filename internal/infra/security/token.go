package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GenerateSecureToken returns a base64 URL-safe random string using the specified number of random bytes.
func GenerateSecureToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", fmt.Errorf("length must be positive")
	}

	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateState returns an OAuth state parameter.
func GenerateState() (string, error) {
	return GenerateSecureToken(32)
}

// GeneratePKCE returns an S256 verifier/challenge pair.
func GeneratePKCE() (verifier, challenge string, err error) {
	verifier, err = GenerateSecureToken(32)
	if err != nil {
		return "", "", fmt.Errorf("generate pkce verifier: %w", err)
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])

	return verifier, challenge, nil
}

// HashToken calculates a SHA-256 hash of the provided value, used when a
// token must be logged or compared without exposing it.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
