// Package store provides the tiered, reference-counted blob storage behind
// context records.
package store

import (
	"time"

	contextstore "github.com/wolfeidau/context-store"
)

// DefaultMemoryThreshold is the blob size at which storage moves to disk.
const DefaultMemoryThreshold = 1 << 20

// DefaultDiskTimeout bounds each disk-tier operation.
const DefaultDiskTimeout = 10 * time.Second

// Tier is where a blob's bytes live. It is fixed at first write.
type Tier string

const (
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// BlobInfo describes a resident blob.
type BlobInfo struct {
	Hash      contextstore.Hash
	Tier      Tier
	Size      int64
	MimeType  string
	RefCount  int
	CreatedAt time.Time
}

// PutResult contains information about a Put operation.
type PutResult struct {
	Hash   contextstore.Hash
	Size   int64
	Tier   Tier
	Exists bool // true if the content already existed
}

// Stats is a snapshot of blob storage.
type Stats struct {
	Blobs       int
	MemoryBytes int64
	DiskBytes   int64
	DedupHits   int64
}
