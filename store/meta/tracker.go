package meta

import (
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	contextstore "github.com/wolfeidau/context-store"
)

const shardCount = 16

// DefaultWarmDuration is how long a warm mark lasts.
const DefaultWarmDuration = 5 * time.Minute

type shard struct {
	mu      sync.RWMutex
	records map[contextstore.Hash]*Record
}

// Tracker owns the metadata of every resident record. It is sharded by id so
// unrelated records do not contend.
type Tracker struct {
	shards  [shardCount]shard
	warm    *gocache.Cache
	warmFor time.Duration
	now     func() time.Time

	count atomic.Int64
	bytes atomic.Int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNow sets the time function for testing.
func WithNow(fn func() time.Time) Option {
	return func(t *Tracker) {
		t.now = fn
	}
}

// WithWarmDuration sets how long Warm marks last.
func WithWarmDuration(d time.Duration) Option {
	return func(t *Tracker) {
		t.warmFor = d
	}
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		warmFor: DefaultWarmDuration,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	// Expired warm marks are swept by SweepWarm rather than a go-cache
	// janitor goroutine.
	t.warm = gocache.New(t.warmFor, 0)
	for i := range t.shards {
		t.shards[i].records = make(map[contextstore.Hash]*Record)
	}
	return t
}

func (t *Tracker) shardFor(id contextstore.Hash) *shard {
	return &t.shards[id[0]%shardCount]
}

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time {
	return t.now()
}

// Create registers rec. Zero CreatedAt and LastAccessedAt default to now.
// It returns false and leaves the existing record untouched if rec.ID is
// already present.
func (t *Tracker) Create(rec Record) bool {
	now := t.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = rec.CreatedAt
	}
	rec = rec.clone()

	s := t.shardFor(rec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return false
	}
	s.records[rec.ID] = &rec
	t.count.Add(1)
	t.bytes.Add(rec.Size)
	return true
}

// Touch records an access and returns the updated record.
func (t *Tracker) Touch(id contextstore.Hash) (Record, bool) {
	now := t.now()
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	r.LastAccessedAt = now
	r.AccessCount++
	return r.clone(), true
}

// Warm bumps recency and marks id warm for the warm duration.
func (t *Tracker) Warm(id contextstore.Hash) bool {
	now := t.now()
	s := t.shardFor(id)
	s.mu.Lock()
	r, ok := s.records[id]
	if ok {
		r.LastAccessedAt = now
	}
	s.mu.Unlock()
	if ok {
		t.warm.SetDefault(id.String(), struct{}{})
	}
	return ok
}

// IsWarm reports whether id carries an unexpired warm mark.
func (t *Tracker) IsWarm(id contextstore.Hash) bool {
	_, ok := t.warm.Get(id.String())
	return ok
}

// SweepWarm drops decayed warm marks and returns how many remain.
func (t *Tracker) SweepWarm() int {
	t.warm.DeleteExpired()
	return t.warm.ItemCount()
}

// RaisePriority sets the priority of id to max(current, p).
func (t *Tracker) RaisePriority(id contextstore.Hash, p int) bool {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false
	}
	r.Priority = max(r.Priority, p)
	return true
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id contextstore.Hash) (Record, bool) {
	s := t.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Delete removes id and returns the record it held.
func (t *Tracker) Delete(id contextstore.Hash) (Record, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	r, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	s.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	t.warm.Delete(id.String())
	t.count.Add(-1)
	t.bytes.Add(-r.Size)
	return *r, true
}

// Each calls fn with a copy of every record until fn returns false. Tags are
// shared with the tracker and must not be modified. Records created or
// deleted during iteration may or may not be visited.
func (t *Tracker) Each(fn func(Record) bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		batch := make([]Record, 0, len(s.records))
		for _, r := range s.records {
			batch = append(batch, *r)
		}
		s.mu.RUnlock()

		for _, r := range batch {
			if !fn(r) {
				return
			}
		}
	}
}

// Expired returns the ids whose TTL has passed at now.
func (t *Tracker) Expired(now time.Time) []contextstore.Hash {
	var ids []contextstore.Hash
	t.Each(func(r Record) bool {
		if r.Expired(now) {
			ids = append(ids, r.ID)
		}
		return true
	})
	return ids
}

// State returns the lifecycle state of id.
func (t *Tracker) State(id contextstore.Hash) (State, bool) {
	r, ok := t.Get(id)
	if !ok {
		return "", false
	}
	switch {
	case r.Expired(t.now()):
		return StateExpired, true
	case t.IsWarm(id):
		return StateWarm, true
	default:
		return StateActive, true
	}
}

// Len returns the number of records.
func (t *Tracker) Len() int {
	return int(t.count.Load())
}

// Bytes returns the summed Size of all records.
func (t *Tracker) Bytes() int64 {
	return t.bytes.Load()
}
