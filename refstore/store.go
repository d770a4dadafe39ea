// Package refstore is the context reference store: content-addressed context
// records with blob deduplication, tiered storage, eviction and expiry.
package refstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/backend"
	"github.com/wolfeidau/context-store/envelope"
	"github.com/wolfeidau/context-store/expiry"
	"github.com/wolfeidau/context-store/internal/keylock"
	"github.com/wolfeidau/context-store/store"
	"github.com/wolfeidau/context-store/store/eviction"
	"github.com/wolfeidau/context-store/store/meta"
	"github.com/wolfeidau/context-store/telemetry"
)

// boltFile is the database name used inside DiskPath for the bolt backend.
const boltFile = "blobs.db"

// Metadata is caller-supplied record metadata. It is not part of identity.
type Metadata struct {
	// Priority above the pinned threshold protects the record from eviction.
	Priority int

	// TTL overrides Config.DefaultTTL when positive.
	TTL time.Duration

	Tags map[string]string
}

// Store is a context reference store. Every method is safe for concurrent use.
type Store struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	backend  backend.Backend
	closer   io.Closer
	tempDir  string
	blobs    *store.BlobStore
	tracker  *meta.Tracker
	policy   eviction.Policy
	codec    *envelope.Codec
	janitor  *expiry.Janitor
	counters counters

	// locks serializes mutation per record id.
	locks *keylock.Map[contextstore.Hash]

	// evictMu serializes bounded admission and pressure eviction so capacity
	// checks see a stable total.
	evictMu sync.Mutex

	mu      sync.RWMutex
	records map[contextstore.Hash]*envelope.Envelope
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time function for testing. It drives TTLs, access
// metadata and warm marks.
func WithNow(fn func() time.Time) Option {
	return func(s *Store) {
		s.now = fn
	}
}

// New creates a store. Zero fields of cfg take their DefaultConfig values.
func New(cfg Config, opts ...Option) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Store{
		config:  cfg,
		logger:  cfg.Logger,
		now:     time.Now,
		locks:   keylock.New[contextstore.Hash](),
		records: make(map[contextstore.Hash]*envelope.Envelope),
	}
	for _, opt := range opts {
		opt(s)
	}

	policy, err := eviction.New(cfg.EvictionPolicy, eviction.Options{
		PinnedPriorityThreshold: cfg.PinnedPriorityThreshold,
	})
	if err != nil {
		return nil, err
	}
	s.policy = policy

	if err := s.openBackend(); err != nil {
		return nil, err
	}

	s.blobs, err = store.NewBlobStore(s.backend,
		store.WithMemoryThreshold(cfg.MemoryThresholdBytes),
		store.WithDiskTimeout(cfg.DiskTimeout),
		store.WithLogger(s.logger),
		store.WithNow(s.now),
	)
	if err != nil {
		s.closeBackend()
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	if cfg.CompressText {
		s.codec, err = envelope.NewCodec(cfg.CompressionThreshold)
		if err != nil {
			s.blobs.Close()
			s.closeBackend()
			return nil, fmt.Errorf("failed to create text codec: %w", err)
		}
	}

	s.tracker = meta.New(meta.WithNow(s.now), meta.WithWarmDuration(cfg.WarmDuration))

	sampler := cfg.MemorySampler
	if sampler == nil && cfg.EvictionPolicy == eviction.KindMemoryPressure {
		sampler = expiry.NewRuntimeSampler(cfg.MemoryBudgetBytes)
	}
	s.janitor = expiry.New(s, expiry.Config{
		Interval:         cfg.TTLCheckInterval,
		Sampler:          sampler,
		HighWatermark:    cfg.MemoryHighWatermark,
		LowWatermark:     cfg.MemoryLowWatermark,
		MaxEvictionBatch: cfg.MaxEvictionBatch,
		OnSweep:          s.onSweep,
		Logger:           s.logger,
	}, expiry.WithNow(s.now))

	s.logger.Debug("context store created",
		"policy", cfg.EvictionPolicy,
		"disk_backend", cfg.DiskBackend,
		"disk_path", cfg.DiskPath,
		"max_entries", cfg.MaxEntries,
		"max_bytes", cfg.MaxBytes,
	)
	return s, nil
}

func (s *Store) openBackend() error {
	dir := s.config.DiskPath
	if dir == "" {
		tmp, err := os.MkdirTemp("", "context-store-*")
		if err != nil {
			return fmt.Errorf("failed to create temp disk path: %w", err)
		}
		s.tempDir = tmp
		dir = tmp
	}

	var b backend.Backend
	switch s.config.DiskBackend {
	case DiskBackendBolt:
		if err := os.MkdirAll(dir, 0o750); err != nil {
			s.removeTempDir()
			return fmt.Errorf("failed to create disk path: %w", err)
		}
		db, err := backend.OpenBolt(filepath.Join(dir, boltFile), backend.WithBoltLogger(s.logger))
		if err != nil {
			s.removeTempDir()
			return err
		}
		s.closer = db
		b = db
	default:
		fs, err := backend.NewFilesystem(dir)
		if err != nil {
			s.removeTempDir()
			return err
		}
		b = fs
	}
	s.backend = backend.NewInstrumentedBackend(b, s.config.DiskBackend)
	return nil
}

func (s *Store) closeBackend() {
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.logger.Warn("failed to close disk backend", "error", err)
		}
	}
	s.removeTempDir()
}

func (s *Store) removeTempDir() {
	if s.tempDir == "" {
		return
	}
	if err := os.RemoveAll(s.tempDir); err != nil {
		s.logger.Warn("failed to remove temp disk path", "path", s.tempDir, "error", err)
	}
}

// Start purges disk blobs left by a previous process and starts the janitor.
func (s *Store) Start(ctx context.Context) error {
	purged, err := s.blobs.PurgeOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge orphaned blobs: %w", err)
	}
	if purged > 0 {
		s.logger.Info("purged orphaned blobs", "count", purged)
	}
	s.janitor.Start(ctx)
	return nil
}

// Close stops the janitor, waiting at most until ctx is done, then releases
// codec and backend resources. Records are not persisted.
func (s *Store) Close(ctx context.Context) error {
	err := s.janitor.Stop(ctx)
	s.blobs.Close()
	if s.codec != nil {
		s.codec.Close()
	}
	if s.closer != nil {
		if cerr := s.closer.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close disk backend: %w", cerr))
		}
	}
	if s.tempDir != "" {
		if rerr := os.RemoveAll(s.tempDir); rerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to remove temp disk path: %w", rerr))
		}
	}
	return err
}

// Sweep runs one janitor sweep immediately.
func (s *Store) Sweep(ctx context.Context) error {
	return s.janitor.RunOnce(ctx).Err()
}

// Store stores content with default metadata and returns its id.
func (s *Store) Store(ctx context.Context, content envelope.Content) (contextstore.Hash, error) {
	return s.StoreWithMetadata(ctx, content, Metadata{})
}

// StoreWithMetadata stores content and returns its id. Storing content that
// is already resident counts a dedup hit, touches the record and raises its
// priority to the larger of the two.
func (s *Store) StoreWithMetadata(ctx context.Context, content envelope.Content, md Metadata) (contextstore.Hash, error) {
	start := time.Now()

	env, err := envelope.Canonicalize(content)
	if err != nil {
		telemetry.RecordStoreOp(ctx, "store", telemetry.OutcomeError, time.Since(start))
		return contextstore.Hash{}, err
	}
	id := env.ID()

	unlock := s.locks.Lock(id)
	found := s.dedupLocked(ctx, id, md)
	unlock()
	if found {
		telemetry.RecordStoreOp(ctx, "store", telemetry.OutcomeDedup, time.Since(start))
		return id, nil
	}

	inserted, err := s.insert(ctx, env, md)
	switch {
	case err != nil:
		telemetry.RecordStoreOp(ctx, "store", telemetry.OutcomeError, time.Since(start))
		return contextstore.Hash{}, err
	case !inserted:
		telemetry.RecordStoreOp(ctx, "store", telemetry.OutcomeDedup, time.Since(start))
	default:
		s.counters.inserts.Add(1)
		telemetry.RecordStoreOp(ctx, "store", telemetry.OutcomeInserted, time.Since(start))
	}
	return id, nil
}

// dedupLocked handles a store of content that is already resident. An
// expired record is evicted and reported as absent. The caller holds the
// write lock for id.
func (s *Store) dedupLocked(ctx context.Context, id contextstore.Hash, md Metadata) bool {
	rec, ok := s.tracker.Get(id)
	if !ok {
		return false
	}
	if rec.Expired(s.now()) {
		s.evictLocked(ctx, id, CauseTTL)
		return false
	}

	s.tracker.Touch(id)
	s.policy.OnAccess(id)
	s.tracker.RaisePriority(id, md.Priority)
	s.counters.dedupHits.Add(1)

	telemetry.RecordDedup(ctx, "record", rec.Size)
	s.logger.Debug("record dedup hit", "id", id.ShortString())
	return true
}

// insert writes blobs, makes room and registers the record. It reports false
// when a concurrent store of the same content won the race.
//
// Lock order is evictMu then record locks, so victims can always be locked.
// evictMu is only taken when a capacity bound is configured.
func (s *Store) insert(ctx context.Context, env *envelope.Envelope, md Metadata) (bool, error) {
	id := env.ID()

	put, err := s.acquireBlobs(ctx, env)
	if err != nil {
		return false, err
	}
	env.DropPayloads()
	env.Compact(s.codec)

	if s.bounded() {
		s.evictMu.Lock()
		defer s.evictMu.Unlock()
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if s.dedupLocked(ctx, id, md) {
		s.releaseBlobs(ctx, put)
		return false, nil
	}

	now := s.now()
	rec := meta.Record{
		ID:             id,
		Size:           env.Size(),
		CreatedAt:      now,
		LastAccessedAt: now,
		Priority:       md.Priority,
		Tags:           md.Tags,
	}
	ttl := md.TTL
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	if ttl > 0 {
		rec.TTLExpiry = now.Add(ttl)
	}

	victims, err := s.makeRoom(rec)
	if err != nil {
		s.releaseBlobs(ctx, put)
		return false, err
	}
	for _, v := range victims {
		s.evict(ctx, v, CauseCapacity)
	}

	s.mu.Lock()
	s.records[id] = env
	s.mu.Unlock()
	s.tracker.Create(rec)
	s.policy.OnInsert(id)

	s.publishResidency(ctx)
	s.logger.Debug("stored record", "id", id.ShortString(), "size", rec.Size, "blobs", len(put))
	return true, nil
}

// acquireBlobs takes one blob reference per binary part: payloads are put,
// bare references must name a resident blob with the declared size and mime
// type. On failure every reference already taken is released.
func (s *Store) acquireBlobs(ctx context.Context, env *envelope.Envelope) ([]contextstore.Hash, error) {
	pending := make(map[contextstore.Hash][]envelope.PendingBlob)
	for _, b := range env.Blobs() {
		pending[b.Hash] = append(pending[b.Hash], b)
	}

	var held []contextstore.Hash
	for _, ref := range env.References() {
		h := ref.Hash
		var err error
		if q := pending[h]; len(q) > 0 {
			pending[h] = q[1:]
			_, err = s.blobs.Put(ctx, q[0].Data, q[0].MimeType)
		} else {
			err = s.blobs.Acquire(ctx, h, ref.Size, ref.MimeType)
		}
		if err != nil {
			s.releaseBlobs(ctx, held)
			return nil, fmt.Errorf("failed to store blob %s: %w", h.ShortString(), err)
		}
		held = append(held, h)
	}
	return held, nil
}

// bounded reports whether a capacity limit is configured.
func (s *Store) bounded() bool {
	return s.config.MaxEntries > 0 || s.config.MaxBytes > 0
}

// makeRoom returns the victims needed for rec to fit, or a CapacityError when
// unpinned records cannot free enough. The caller holds evictMu.
func (s *Store) makeRoom(rec meta.Record) ([]contextstore.Hash, error) {
	if !s.bounded() {
		return nil, nil
	}
	maxEntries, maxBytes := s.config.MaxEntries, s.config.MaxBytes

	var need eviction.Need
	need.Exclude = rec.ID
	if maxEntries > 0 {
		need.Entries = max(s.tracker.Len()+1-maxEntries, 0)
	}
	if maxBytes > 0 {
		need.Bytes = max(s.tracker.Bytes()+rec.Size-maxBytes, 0)
	}
	if need.Entries == 0 && need.Bytes == 0 {
		return nil, nil
	}

	if maxBytes == 0 || rec.Size <= maxBytes {
		victims := s.policy.SelectVictims(s.tracker, need)
		var freed int64
		for _, v := range victims {
			if r, ok := s.tracker.Get(v); ok {
				freed += r.Size
			}
		}
		if len(victims) >= need.Entries && freed >= need.Bytes {
			return victims, nil
		}
	}

	cerr := &contextstore.CapacityError{
		MaxEntries:    maxEntries,
		MaxBytes:      maxBytes,
		IncomingBytes: rec.Size,
	}
	s.tracker.Each(func(r meta.Record) bool {
		if r.Pinned(s.config.PinnedPriorityThreshold) {
			cerr.PinnedEntries++
			cerr.PinnedBytes += r.Size
		}
		return true
	})
	return nil, cerr
}

// evict removes id under its write lock.
func (s *Store) evict(ctx context.Context, id contextstore.Hash, cause EvictionCause) (int64, bool) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.evictLocked(ctx, id, cause)
}

func (s *Store) evictLocked(ctx context.Context, id contextstore.Hash, cause EvictionCause) (int64, bool) {
	rec, ok := s.removeLocked(ctx, id)
	if !ok {
		return 0, false
	}
	s.counters.evicted(cause)
	telemetry.RecordEviction(ctx, string(cause), rec.Size)
	s.logger.Debug("evicted record", "id", id.ShortString(), "cause", cause, "size", rec.Size)
	return rec.Size, true
}

// removeLocked drops the record and its blob references. The caller holds
// the write lock for id.
func (s *Store) removeLocked(ctx context.Context, id contextstore.Hash) (meta.Record, bool) {
	s.mu.Lock()
	env, ok := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()

	rec, tracked := s.tracker.Delete(id)
	if !ok && !tracked {
		return meta.Record{}, false
	}
	s.policy.OnRemove(id)
	if env != nil {
		s.releaseBlobs(ctx, env.BlobRefs())
	}
	return rec, true
}

func (s *Store) releaseBlobs(ctx context.Context, hashes []contextstore.Hash) {
	for _, h := range hashes {
		if err := s.blobs.Release(ctx, h); err != nil {
			s.logger.Warn("failed to release blob", "hash", h.ShortString(), "error", err)
		}
	}
}

// Retrieve returns the content stored under id. Expired records are evicted
// and reported as not found.
func (s *Store) Retrieve(ctx context.Context, id contextstore.Hash) (envelope.Content, error) {
	start := time.Now()

	content, err := s.retrieve(ctx, id)
	switch {
	case err == nil:
		s.counters.hits.Add(1)
		telemetry.RecordStoreOp(ctx, "retrieve", telemetry.OutcomeHit, time.Since(start))
	case errors.Is(err, contextstore.ErrNotFound):
		s.counters.misses.Add(1)
		telemetry.RecordStoreOp(ctx, "retrieve", telemetry.OutcomeMiss, time.Since(start))
	default:
		telemetry.RecordStoreOp(ctx, "retrieve", telemetry.OutcomeError, time.Since(start))
	}
	return content, err
}

func (s *Store) retrieve(ctx context.Context, id contextstore.Hash) (envelope.Content, error) {
	unlock := s.locks.RLock(id)

	rec, ok := s.tracker.Get(id)
	if !ok {
		unlock()
		return envelope.Content{}, contextstore.NotFound(contextstore.RefRecord, id)
	}
	if rec.Expired(s.now()) {
		unlock()
		s.expire(ctx, id)
		return envelope.Content{}, contextstore.NotFound(contextstore.RefRecord, id)
	}
	defer unlock()

	s.mu.RLock()
	env := s.records[id]
	s.mu.RUnlock()
	if env == nil {
		return envelope.Content{}, contextstore.NotFound(contextstore.RefRecord, id)
	}

	s.tracker.Touch(id)
	s.policy.OnAccess(id)

	return env.Content(s.codec, func(h contextstore.Hash) ([]byte, error) {
		return s.blobs.Get(ctx, h)
	})
}

// expire evicts id if it is still expired once the write lock is held.
func (s *Store) expire(ctx context.Context, id contextstore.Hash) (int64, bool) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, ok := s.tracker.Get(id)
	if !ok || !rec.Expired(s.now()) {
		return 0, false
	}
	return s.evictLocked(ctx, id, CauseTTL)
}

// Delete removes the record immediately and releases its blobs.
func (s *Store) Delete(ctx context.Context, id contextstore.Hash) error {
	start := time.Now()

	unlock := s.locks.Lock(id)
	rec, ok := s.removeLocked(ctx, id)
	unlock()

	if !ok {
		telemetry.RecordStoreOp(ctx, "delete", telemetry.OutcomeMiss, time.Since(start))
		return contextstore.NotFound(contextstore.RefRecord, id)
	}

	s.counters.deletes.Add(1)
	telemetry.RecordStoreOp(ctx, "delete", telemetry.OutcomeHit, time.Since(start))
	s.publishResidency(ctx)
	s.logger.Debug("deleted record", "id", id.ShortString(), "size", rec.Size)
	return nil
}

// Warm marks resident ids as recently used and protects them from eviction
// until the warm mark decays. Unknown ids are ignored.
func (s *Store) Warm(ctx context.Context, ids []contextstore.Hash) {
	warmed := 0
	for _, id := range ids {
		if s.tracker.Warm(id) {
			s.policy.OnAccess(id)
			warmed++
		}
	}
	telemetry.RecordStoreOp(ctx, "warm", telemetry.OutcomeHit, 0)
	s.logger.Debug("warmed records", "requested", len(ids), "warmed", warmed)
}

// Has reports whether id is resident and not expired.
func (s *Store) Has(id contextstore.Hash) bool {
	rec, ok := s.tracker.Get(id)
	return ok && !rec.Expired(s.now())
}

// RecordState returns the lifecycle state of a resident record.
func (s *Store) RecordState(id contextstore.Hash) (meta.State, error) {
	st, ok := s.tracker.State(id)
	if !ok {
		return "", contextstore.NotFound(contextstore.RefRecord, id)
	}
	return st, nil
}

// Metadata returns a copy of the record's metadata.
func (s *Store) Metadata(id contextstore.Hash) (meta.Record, error) {
	rec, ok := s.tracker.Get(id)
	if !ok {
		return meta.Record{}, contextstore.NotFound(contextstore.RefRecord, id)
	}
	return rec, nil
}

// Blob returns information about a resident blob.
func (s *Store) Blob(h contextstore.Hash) (store.BlobInfo, bool) {
	return s.blobs.Info(h)
}

// EvictExpired removes every record whose TTL has passed at now.
func (s *Store) EvictExpired(ctx context.Context, now time.Time) (int, int64, error) {
	var (
		evicted int
		freed   int64
	)
	for _, id := range s.tracker.Expired(now) {
		if err := ctx.Err(); err != nil {
			return evicted, freed, err
		}
		if n, ok := s.expire(ctx, id); ok {
			evicted++
			freed += n
		}
	}
	return evicted, freed, nil
}

// SweepWarm drops decayed warm marks.
func (s *Store) SweepWarm() int {
	return s.tracker.SweepWarm()
}

// EvictForPressure evicts policy victims until bytesToFree is covered or
// maxVictims records are gone.
func (s *Store) EvictForPressure(ctx context.Context, bytesToFree int64, maxVictims int) (int, int64, error) {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	victims := s.policy.SelectVictims(s.tracker, eviction.Need{
		Bytes:      bytesToFree,
		MaxVictims: maxVictims,
	})

	var (
		evicted int
		freed   int64
	)
	for _, id := range victims {
		if err := ctx.Err(); err != nil {
			return evicted, freed, err
		}
		if n, ok := s.evict(ctx, id, CauseMemoryPressure); ok {
			evicted++
			freed += n
		}
	}
	return evicted, freed, nil
}

func (s *Store) onSweep(result *expiry.SweepResult) {
	s.counters.janitor.Add(1)
	if err := result.Err(); err != nil {
		s.counters.janitorErr.Add(1)
		msg := err.Error()
		s.counters.lastErr.Store(&msg)
	}
	s.publishResidency(context.Background())
}

func (s *Store) publishResidency(ctx context.Context) {
	bs := s.blobs.Stats()
	telemetry.UpdateResidency(ctx, s.tracker.Len(), bs.Blobs, s.tracker.Bytes(), bs.MemoryBytes, bs.DiskBytes)
}
