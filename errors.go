package contextstore

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure surfaced by the store matches exactly one of
// these with errors.Is.
var (
	// ErrNotFound is returned for unknown, evicted or deleted records and for
	// reclaimed blobs.
	ErrNotFound = errors.New("contextstore: not found")

	// ErrSerialization is returned when content cannot be canonicalized.
	ErrSerialization = errors.New("contextstore: content cannot be canonicalized")

	// ErrIntegrity is returned when blob bytes do not hash to their address.
	ErrIntegrity = errors.New("contextstore: integrity check failed")

	// ErrStorage is returned for disk-tier I/O failures and timeouts.
	ErrStorage = errors.New("contextstore: storage failure")

	// ErrCapacity is returned when the configured bound cannot be honoured
	// because pinned records alone exceed it.
	ErrCapacity = errors.New("contextstore: capacity exceeded")
)

// StorageError describes a failed disk-tier operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap exposes both the ErrStorage class and the underlying cause.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// IntegrityError describes a blob whose bytes no longer match its hash.
type IntegrityError struct {
	Expected Hash
	Actual   Hash
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("blob %s corrupt: %s", e.Expected.ShortString(), e.Reason)
	}
	return fmt.Sprintf("blob %s corrupt: content hashes to %s", e.Expected.ShortString(), e.Actual.ShortString())
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// CapacityError describes an insertion that could not be made to fit.
type CapacityError struct {
	MaxEntries    int
	MaxBytes      int64
	PinnedEntries int
	PinnedBytes   int64
	IncomingBytes int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d pinned records (%d bytes) plus incoming %d bytes do not fit max_entries=%d max_bytes=%d",
		e.PinnedEntries, e.PinnedBytes, e.IncomingBytes, e.MaxEntries, e.MaxBytes)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

// NotFound wraps ErrNotFound with the kind and hash that was looked up.
func NotFound(kind RefKind, h Hash) error {
	return fmt.Errorf("%s %s: %w", kind, h.ShortString(), ErrNotFound)
}
