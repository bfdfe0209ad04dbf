// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 fingerprints. It is the single canonical form for
// event payload fingerprints, audit record hashing, and identifier derivation:
// two payloads differing only in key order, whitespace, or numeric formatting
// hash identically.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON returns the canonical JCS byte representation of v.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical transform: %w", err)
	}
	return out, nil
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Fingerprint returns the lowercase hex SHA-256 of the canonical form of v.
func Fingerprint(v any) (string, error) {
	canon, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canon), nil
}
