// Package digest handles the SHA-256 hex digests that identify artifacts,
// Merkle roots and ledger events.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Empty is SHA-256 of the empty input. Anyone can recompute it
// (`printf '' | sha256sum`), which makes it the ledger's root of trust.
const Empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Size is the length in bytes of a raw digest.
const Size = sha256.Size

// ErrInvalid is returned for text that is not a 64-character hex digest.
var ErrInvalid = errors.New("digest: invalid SHA-256 hex digest")

// Normalize trims and lowercases s and checks that it is a 64-character hex
// digest.
func Normalize(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != hex.EncodedLen(Size) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return s, nil
}

// Decode returns the raw bytes of a hex digest.
func Decode(s string) ([Size]byte, error) {
	var out [Size]byte
	n, err := Normalize(s)
	if err != nil {
		return out, err
	}
	hex.Decode(out[:], []byte(n)) //nolint:errcheck
	return out, nil
}

// Of returns the hex SHA-256 of data.
func Of(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// OfReader streams r through SHA-256 and returns the hex digest and the
// number of bytes read.
func OfReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
