package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// TokenLength is the raw entropy of session and pre-auth tokens: 256 bits.
const TokenLength = 32

// GenerateToken returns a fresh high-entropy opaque token, base64url encoded.
// Collisions are statistically impossible at 256 bits, so callers may use the
// token directly as a map key.
func GenerateToken() (string, error) {
	bytes := make([]byte, TokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// ConstantTimeEquals compares two strings without leaking their length or the
// position of the first differing byte. Used for the stored-username check so
// response timing cannot reveal whether the username was the failing field.
func ConstantTimeEquals(a, b string) bool {
	aHash := sha256.Sum256([]byte(a))
	bHash := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(aHash[:], bHash[:]) == 1
}
