// Package sha256 provides SHA-256 hashing for capture archives and URL dedup hints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// URLHashLength is the number of hex characters kept for URL hashes.
const URLHashLength = 16

// Hasher implements posting.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// URL returns the dedup hash of rawURL: the first 16 hex characters of the
// SHA-256 of scheme://host/path?query with scheme and host lower-cased.
// Fragments and userinfo are ignored.
func URL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	normalized := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath()
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:URLHashLength], nil
}
