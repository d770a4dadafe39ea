// Package contextstore holds the identity primitives shared by every layer of the
// context reference store: BLAKE3 content hashes, blob storage keys and the error
// taxonomy surfaced to callers.
package contextstore

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 digest in bytes.
const HashSize = 32

// Hash is a BLAKE3-256 digest. It identifies both context records (hash of the
// canonical envelope) and binary blobs (hash of the raw bytes).
type Hash [HashSize]byte

// String returns the hex-encoded digest.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 8 bytes hex-encoded, for logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Dir returns the shard directory for the hash (first byte, hex).
func (h Hash) Dir() string {
	return hex.EncodeToString(h[:1])
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash, as returned by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}
