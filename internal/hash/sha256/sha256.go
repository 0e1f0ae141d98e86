// Package sha256 provides the content fingerprint used for artifact dedup.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements collector.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Fingerprint hashes the concatenation of parts and returns a lowercase hex digest.
func (h *Hasher) Fingerprint(parts ...[]byte) (string, error) {
	digest := sha256.New()
	for i, part := range parts {
		if _, err := digest.Write(part); err != nil {
			return "", fmt.Errorf("hash part %d: %w", i, err)
		}
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

// Hash fingerprints a single byte slice.
func (h *Hasher) Hash(data []byte) (string, error) {
	return h.Fingerprint(data)
}
