// Package hasher fingerprints uploaded statement content.
//
// The digest is SHA-256 over the raw bytes only, rendered as lowercase hex.
// File names and metadata never contribute, so the same bytes uploaded under
// two names produce the same digest.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"statement-ingest-service/pkg/errors"
)

// DigestLength is the length of a hex digest
const DigestLength = sha256.Size * 2

// Hash returns the hex digest of content
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r into the digest and returns it with the byte count
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to hash content")
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// IsDigest reports whether s has the shape of a digest produced by Hash
func IsDigest(s string) bool {
	if len(s) != DigestLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
