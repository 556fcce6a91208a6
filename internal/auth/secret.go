// Package auth checks the shared secret workers present on internal routes.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

// digest returns the SHA-256 of the trimmed secret. Secrets read from files or
// the environment often carry a trailing newline.
func digest(secret string) [sha256.Size]byte {
	return sha256.Sum256([]byte(strings.TrimSpace(secret)))
}

// SecretMatches reports whether presented equals want. Both sides are hashed
// first so the comparison time does not depend on the secret's length.
func SecretMatches(presented, want string) bool {
	a, b := digest(presented), digest(want)
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
