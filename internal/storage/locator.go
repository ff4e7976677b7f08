package storage

import (
	"path"
	"strings"
)

const (
	// DigestLength is the length of a hex encoded sha256.
	DigestLength = 64

	shardWidth = 2
	shardDepth = 2
)

// ValidDigest reports whether s is a lowercase hex encoded sha256.
func ValidDigest(s string) bool {
	if len(s) != DigestLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Locate maps a content hash to its relative path. The first two pairs of hex
// characters become two directory levels, so "abcdef..." is stored at
// "ab/cd/abcdef...". Every driver uses the same layout.
func Locate(digest string) (string, error) {
	if !ValidDigest(digest) {
		return "", ErrInvalidDigest
	}
	return path.Join(Dir(digest), digest), nil
}

// MustLocate is Locate for digests that were already validated.
func MustLocate(digest string) string {
	p, err := Locate(digest)
	if err != nil {
		panic(err)
	}
	return p
}

// Dir returns the shard directory of a digest without validating it.
func Dir(digest string) string {
	parts := make([]string, 0, shardDepth)
	for i := 0; i < shardDepth && (i+1)*shardWidth <= len(digest); i++ {
		parts = append(parts, digest[i*shardWidth:(i+1)*shardWidth])
	}
	return strings.Join(parts, "/")
}
