package contextstore

import (
	"fmt"
	"strings"
)

// RefKind identifies what a textual reference points at.
type RefKind string

const (
	// RefRecord references a context record by the hash of its canonical envelope.
	RefRecord RefKind = "ctx"
	// RefBlob references a binary blob by the hash of its raw bytes.
	RefBlob RefKind = "blob"
)

// Ref is the printable form of a record or blob handle, "kind:hex".
type Ref struct {
	Kind RefKind
	Hash Hash
}

// ParseRef parses "kind:hex". The kind is case-insensitive. A bare hex string
// is accepted as a record reference since that is what callers usually hold.
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, fmt.Errorf("empty ref")
	}

	kindStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = kindStr
		kindStr = string(RefRecord)
	}

	var kind RefKind
	switch RefKind(strings.ToLower(kindStr)) {
	case RefRecord:
		kind = RefRecord
	case RefBlob:
		kind = RefBlob
	default:
		return Ref{}, fmt.Errorf("unsupported ref kind %q in %q", kindStr, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return Ref{}, fmt.Errorf("invalid hash in ref %q: %w", s, err)
	}
	return Ref{Kind: kind, Hash: h}, nil
}

// String returns "kind:hex".
func (r Ref) String() string {
	return string(r.Kind) + ":" + r.Hash.String()
}

// Disk-tier key layout.

const blobKeyPrefix = "blobs"

// BlobKeyPrefix is the backend prefix under which all disk-tier blobs live.
func BlobKeyPrefix() string {
	return blobKeyPrefix
}

// BlobStorageKey returns the backend key for a disk-tier blob.
// Format: blobs/{hex[:2]}/{hex}
func BlobStorageKey(h Hash) string {
	hex := h.String()
	return blobKeyPrefix + "/" + hex[:2] + "/" + hex
}

// ParseBlobStorageKey extracts the hash from a key produced by BlobStorageKey.
func ParseBlobStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != blobKeyPrefix {
		return Hash{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	h, err := ParseHash(parts[2])
	if err != nil {
		return Hash{}, err
	}
	if parts[1] != h.Dir() {
		return Hash{}, fmt.Errorf("blob key shard %q does not match hash: %s", parts[1], key)
	}
	return h, nil
}
