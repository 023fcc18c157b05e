// Package idgen provides random ID generation for decisions, challenges and sessions.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random version 4 UUID (xxxxxxxx-xxxx-4xxx-xxxx-xxxxxxxxxxxx).
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "sess_", "pow_", "risk_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
