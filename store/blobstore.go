package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/backend"
	"github.com/wolfeidau/context-store/internal/keylock"
	"github.com/wolfeidau/context-store/telemetry"
	"golang.org/x/sync/singleflight"
)

type blob struct {
	info BlobInfo
	data []byte // memory tier only
}

// BlobStore stores binary payloads by BLAKE3 hash. Payloads below the memory
// threshold stay in process memory; larger ones are framed and written to a
// disk backend. Identical payloads are stored once and reference counted.
type BlobStore struct {
	backend     backend.Backend
	codec       *backend.FrameCodec
	threshold   int64
	diskTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	locks *keylock.Map[contextstore.Hash]
	loads singleflight.Group

	mu    sync.RWMutex
	blobs map[contextstore.Hash]*blob

	memoryBytes atomic.Int64
	diskBytes   atomic.Int64
	dedupHits   atomic.Int64
}

// Option configures a BlobStore.
type Option func(*BlobStore)

// WithMemoryThreshold sets the size at or above which blobs go to disk.
func WithMemoryThreshold(n int64) Option {
	return func(s *BlobStore) {
		s.threshold = n
	}
}

// WithDiskTimeout bounds every disk-tier operation.
func WithDiskTimeout(d time.Duration) Option {
	return func(s *BlobStore) {
		s.diskTimeout = d
	}
}

// WithLogger sets the logger for the blob store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *BlobStore) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(fn func() time.Time) Option {
	return func(s *BlobStore) {
		s.now = fn
	}
}

// NewBlobStore creates a blob store writing its disk tier to b.
func NewBlobStore(b backend.Backend, opts ...Option) (*BlobStore, error) {
	if b == nil {
		return nil, errors.New("blob store requires a disk backend")
	}

	codec, err := backend.NewFrameCodec()
	if err != nil {
		return nil, err
	}

	s := &BlobStore{
		backend:     b,
		codec:       codec,
		threshold:   DefaultMemoryThreshold,
		diskTimeout: DefaultDiskTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		locks:       keylock.New[contextstore.Hash](),
		blobs:       make(map[contextstore.Hash]*blob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases codec resources. The backend is owned by the caller.
func (s *BlobStore) Close() {
	s.codec.Close()
}

// Put stores data, or takes another reference if it is already resident.
// A failed Put leaves nothing registered.
func (s *BlobStore) Put(ctx context.Context, data []byte, mimeType string) (*PutResult, error) {
	h := contextstore.HashBytes(data)
	size := int64(len(data))

	unlock := s.locks.Lock(h)
	defer unlock()

	s.mu.Lock()
	if b, ok := s.blobs[h]; ok {
		b.info.RefCount++
		tier := b.info.Tier
		s.mu.Unlock()

		s.dedupHits.Add(1)
		telemetry.RecordDedup(ctx, "blob", size)
		return &PutResult{Hash: h, Size: size, Tier: tier, Exists: true}, nil
	}
	s.mu.Unlock()

	b := &blob{info: BlobInfo{
		Hash:      h,
		Size:      size,
		MimeType:  mimeType,
		RefCount:  1,
		CreatedAt: s.now(),
	}}

	if size < s.threshold {
		b.info.Tier = TierMemory
		b.data = bytes.Clone(data)
	} else {
		b.info.Tier = TierDisk
		if err := s.writeDisk(ctx, h, data, mimeType); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.blobs[h] = b
	s.mu.Unlock()
	s.addBytes(b.info.Tier, size)

	telemetry.RecordBlobWrite(ctx, string(b.info.Tier), size)
	s.logger.Debug("stored blob", "hash", h.ShortString(), "tier", b.info.Tier, "size", size)

	return &PutResult{Hash: h, Size: size, Tier: b.info.Tier}, nil
}

func (s *BlobStore) writeDisk(ctx context.Context, h contextstore.Hash, data []byte, mimeType string) error {
	key := contextstore.BlobStorageKey(h)

	framed, err := s.codec.Encode(backend.BlobHeader{
		MimeType:    mimeType,
		ContentHash: h.String(),
		StoredAt:    s.now().UTC().Format(time.RFC3339),
	}, data)
	if err != nil {
		return &contextstore.StorageError{Op: "encode", Key: key, Err: err}
	}

	dctx, cancel := context.WithTimeout(ctx, s.diskTimeout)
	defer cancel()

	if err := s.backend.Write(dctx, key, bytes.NewReader(framed)); err != nil {
		// The write is atomic but a rename may still have landed before the
		// error surfaced.
		cleanup, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), s.diskTimeout)
		defer cancelCleanup()
		if delErr := s.backend.Delete(cleanup, key); delErr != nil {
			s.logger.Warn("failed to clean up after blob write error", "key", key, "error", delErr)
		}
		return &contextstore.StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Get returns a copy of the blob's bytes. Bytes are re-hashed on every read;
// a mismatch fails with an *contextstore.IntegrityError.
func (s *BlobStore) Get(ctx context.Context, h contextstore.Hash) ([]byte, error) {
	unlock := s.locks.RLock(h)
	defer unlock()

	s.mu.RLock()
	b, ok := s.blobs[h]
	var info BlobInfo
	var data []byte
	if ok {
		info = b.info
		data = b.data
	}
	s.mu.RUnlock()

	if !ok {
		return nil, contextstore.NotFound(contextstore.RefBlob, h)
	}

	if info.Tier == TierMemory {
		if actual := contextstore.HashBytes(data); actual != h {
			return nil, &contextstore.IntegrityError{Expected: h, Actual: actual}
		}
		return bytes.Clone(data), nil
	}

	return s.loadDisk(ctx, h)
}

// loadDisk coalesces concurrent reads of the same disk blob. The shared read
// runs detached from any single caller so one caller giving up does not fail
// the others; each caller still honours its own context.
func (s *BlobStore) loadDisk(ctx context.Context, h contextstore.Hash) ([]byte, error) {
	ch := s.loads.DoChan(h.String(), func() (any, error) {
		return s.readDisk(context.WithoutCancel(ctx), h)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		data := res.Val.([]byte)
		if res.Shared {
			data = bytes.Clone(data)
		}
		return data, nil
	case <-ctx.Done():
		return nil, &contextstore.StorageError{Op: "read", Key: contextstore.BlobStorageKey(h), Err: ctx.Err()}
	}
}

func (s *BlobStore) readDisk(ctx context.Context, h contextstore.Hash) ([]byte, error) {
	key := contextstore.BlobStorageKey(h)

	dctx, cancel := context.WithTimeout(ctx, s.diskTimeout)
	defer cancel()

	rc, err := s.backend.Read(dctx, key)
	if err != nil {
		return nil, &contextstore.StorageError{Op: "read", Key: key, Err: err}
	}
	defer func() { _ = rc.Close() }()

	_, data, err := s.codec.Decode(rc)
	if err != nil {
		if dctx.Err() != nil {
			return nil, &contextstore.StorageError{Op: "read", Key: key, Err: err}
		}
		return nil, &contextstore.IntegrityError{Expected: h, Reason: fmt.Sprintf("undecodable frame: %v", err)}
	}

	if actual := contextstore.HashBytes(data); actual != h {
		return nil, &contextstore.IntegrityError{Expected: h, Actual: actual}
	}
	return data, nil
}

// Acquire takes another reference on a resident blob without supplying its
// bytes. size and mimeType must match the resident blob, otherwise it fails
// with ErrSerialization and no reference is taken. It fails with ErrNotFound
// if the blob has been reclaimed.
func (s *BlobStore) Acquire(ctx context.Context, h contextstore.Hash, size int64, mimeType string) error {
	unlock := s.locks.Lock(h)
	defer unlock()

	s.mu.Lock()
	b, ok := s.blobs[h]
	if !ok {
		s.mu.Unlock()
		return contextstore.NotFound(contextstore.RefBlob, h)
	}
	info := b.info
	if info.Size != size || info.MimeType != mimeType {
		s.mu.Unlock()
		return fmt.Errorf("%w: blob %s is %d bytes of %q, reference declares %d bytes of %q",
			contextstore.ErrSerialization, h.ShortString(), info.Size, info.MimeType, size, mimeType)
	}
	b.info.RefCount++
	s.mu.Unlock()

	s.dedupHits.Add(1)
	telemetry.RecordDedup(ctx, "blob", info.Size)
	return nil
}

// Release drops one reference. At zero the blob is reclaimed immediately and
// later Gets fail with ErrNotFound.
func (s *BlobStore) Release(ctx context.Context, h contextstore.Hash) error {
	unlock := s.locks.Lock(h)
	defer unlock()

	s.mu.Lock()
	b, ok := s.blobs[h]
	if !ok {
		s.mu.Unlock()
		return contextstore.NotFound(contextstore.RefBlob, h)
	}
	b.info.RefCount--
	if b.info.RefCount > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.blobs, h)
	s.mu.Unlock()

	s.addBytes(b.info.Tier, -b.info.Size)
	s.logger.Debug("reclaimed blob", "hash", h.ShortString(), "tier", b.info.Tier, "size", b.info.Size)

	if b.info.Tier == TierDisk {
		key := contextstore.BlobStorageKey(h)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.diskTimeout)
		defer cancel()
		// Unregistered files are swept by PurgeOrphans.
		if err := s.backend.Delete(dctx, key); err != nil {
			s.logger.Warn("failed to delete reclaimed blob", "key", key, "error", err)
		}
	}
	return nil
}

// Info returns metadata for a resident blob.
func (s *BlobStore) Info(h contextstore.Hash) (BlobInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[h]
	if !ok {
		return BlobInfo{}, false
	}
	return b.info, true
}

// Has reports whether h is resident.
func (s *BlobStore) Has(h contextstore.Hash) bool {
	_, ok := s.Info(h)
	return ok
}

// Stats returns a snapshot of blob storage.
func (s *BlobStore) Stats() Stats {
	s.mu.RLock()
	n := len(s.blobs)
	s.mu.RUnlock()
	return Stats{
		Blobs:       n,
		MemoryBytes: s.memoryBytes.Load(),
		DiskBytes:   s.diskBytes.Load(),
		DedupHits:   s.dedupHits.Load(),
	}
}

// PurgeOrphans deletes disk-tier files that no resident blob owns, such as
// those left by a previous process. It returns the number deleted.
func (s *BlobStore) PurgeOrphans(ctx context.Context) (int, error) {
	keys, err := s.backend.List(ctx, contextstore.BlobKeyPrefix()+"/")
	if err != nil {
		return 0, &contextstore.StorageError{Op: "list", Key: contextstore.BlobKeyPrefix(), Err: err}
	}

	deleted := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		h, err := contextstore.ParseBlobStorageKey(key)
		if err != nil {
			continue
		}

		removed, err := s.purgeOne(ctx, h, key)
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted++
			s.logger.Debug("deleted orphan blob", "key", key)
		}
	}
	return deleted, nil
}

func (s *BlobStore) purgeOne(ctx context.Context, h contextstore.Hash, key string) (bool, error) {
	unlock := s.locks.Lock(h)
	defer unlock()

	if s.Has(h) {
		return false, nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.diskTimeout)
	defer cancel()
	if err := s.backend.Delete(dctx, key); err != nil {
		return false, &contextstore.StorageError{Op: "delete", Key: key, Err: err}
	}
	return true, nil
}

func (s *BlobStore) addBytes(tier Tier, delta int64) {
	if tier == TierMemory {
		s.memoryBytes.Add(delta)
	} else {
		s.diskBytes.Add(delta)
	}
}
