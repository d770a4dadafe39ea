package refstore

import (
	"sync/atomic"
)

// EvictionCause says why a record left the store without an explicit Delete.
type EvictionCause string

const (
	CauseCapacity       EvictionCause = "capacity"
	CauseTTL            EvictionCause = "ttl"
	CauseMemoryPressure EvictionCause = "memory_pressure"
)

var causes = [...]EvictionCause{CauseCapacity, CauseTTL, CauseMemoryPressure}

func (c EvictionCause) index() int {
	switch c {
	case CauseTTL:
		return 1
	case CauseMemoryPressure:
		return 2
	default:
		return 0
	}
}

// Stats is a point-in-time snapshot of the store.
type Stats struct {
	TotalRecords     int
	TotalBlobs       int
	TotalBytesMemory int64
	TotalBytesDisk   int64
	RecordBytes      int64

	Hits          int64
	Misses        int64
	Inserts       int64
	DedupHits     int64
	BlobDedupHits int64
	Deletes       int64

	EvictionsByCause map[EvictionCause]int64

	JanitorRuns      int64
	JanitorErrors    int64
	LastJanitorError string
}

// counters are updated lock-free so Stats stays O(1).
type counters struct {
	hits       atomic.Int64
	misses     atomic.Int64
	inserts    atomic.Int64
	dedupHits  atomic.Int64
	deletes    atomic.Int64
	evictions  [len(causes)]atomic.Int64
	janitor    atomic.Int64
	janitorErr atomic.Int64
	lastErr    atomic.Pointer[string]
}

func (c *counters) evicted(cause EvictionCause) {
	c.evictions[cause.index()].Add(1)
}

// Stats returns a snapshot of store statistics.
func (s *Store) Stats() Stats {
	blobs := s.blobs.Stats()
	st := Stats{
		TotalRecords:     s.tracker.Len(),
		TotalBlobs:       blobs.Blobs,
		TotalBytesMemory: blobs.MemoryBytes,
		TotalBytesDisk:   blobs.DiskBytes,
		RecordBytes:      s.tracker.Bytes(),
		Hits:             s.counters.hits.Load(),
		Misses:           s.counters.misses.Load(),
		Inserts:          s.counters.inserts.Load(),
		DedupHits:        s.counters.dedupHits.Load(),
		BlobDedupHits:    blobs.DedupHits,
		Deletes:          s.counters.deletes.Load(),
		EvictionsByCause: make(map[EvictionCause]int64, len(causes)),
		JanitorRuns:      s.counters.janitor.Load(),
		JanitorErrors:    s.counters.janitorErr.Load(),
	}
	for i, c := range causes {
		st.EvictionsByCause[c] = s.counters.evictions[i].Load()
	}
	if p := s.counters.lastErr.Load(); p != nil {
		st.LastJanitorError = *p
	}
	return st
}
