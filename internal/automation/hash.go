package automation

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// ContentHash returns the hex-encoded BLAKE2b-256 digest of contents,
// the stable identity used throughout the signal store. Hashing by
// content (not path) means renaming a notebook file never loses its
// schedule, and editing it always does.
func ContentHash(contents string) string {
	sum := blake2b.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}
