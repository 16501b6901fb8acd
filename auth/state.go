package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

// stateLength is the number of random bytes in an OAuth state parameter.
const stateLength = 32

// generateState creates a random, URL-safe state string.
func generateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// equalConstantTime compares two secrets without leaking their common
// prefix length through timing.
func equalConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
