// Package fnv fingerprints secrets so they can be correlated in logs
// without being disclosed.
package fnv

import (
	"fmt"
	"hash"
	"hash/fnv"
	"strconv"
)

// Hash hashes the given text using a 64-bit FNV-1a hash.Hash.
func Hash(text string) (string, error) {
	return hashText(fnv.New64a(), text)
}

// Fingerprint returns a short, stable, non-reversible label for a session
// token or authorization code. Empty input yields an empty fingerprint.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	h, err := Hash(secret)
	if err != nil {
		// FNV writes never fail.
		return "invalid"
	}
	return h
}

func hashText(h hash.Hash64, text string) (string, error) {
	if _, err := h.Write([]byte(text)); err != nil {
		return "", fmt.Errorf("hashing failed: %v", err)
	}
	return strconv.FormatUint(h.Sum64(), 32), nil
}
