package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex SHA-256 of s. Used to fingerprint stored content.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
