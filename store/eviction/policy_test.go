package eviction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/store/meta"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	tracker *meta.Tracker
	policy  Policy
}

func newHarness(t *testing.T, kind Kind) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	p, err := New(kind, Options{PinnedPriorityThreshold: DefaultPinnedPriorityThreshold})
	require.NoError(t, err)
	return &harness{
		t:       t,
		clock:   clock,
		tracker: meta.New(meta.WithNow(clock.Now), meta.WithWarmDuration(time.Hour)),
		policy:  p,
	}
}

func id(s string) contextstore.Hash {
	return contextstore.HashBytes([]byte(s))
}

func (h *harness) insert(name string, size int64, priority int) {
	h.clock.Advance(time.Second)
	require.True(h.t, h.tracker.Create(meta.Record{ID: id(name), Size: size, Priority: priority}))
	h.policy.OnInsert(id(name))
}

func (h *harness) access(name string) {
	h.clock.Advance(time.Second)
	_, ok := h.tracker.Touch(id(name))
	require.True(h.t, ok)
	h.policy.OnAccess(id(name))
}

func (h *harness) remove(name string) {
	h.tracker.Delete(id(name))
	h.policy.OnRemove(id(name))
}

func (h *harness) victims(need Need) []contextstore.Hash {
	return h.policy.SelectVictims(h.tracker, need)
}

func ids(names ...string) []contextstore.Hash {
	out := make([]contextstore.Hash, len(names))
	for i, n := range names {
		out[i] = id(n)
	}
	return out
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"lru", "lfu", "ttl", "memory_pressure"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		require.Equal(t, Kind(s), k)
	}
	_, err := ParseKind("fifo")
	require.Error(t, err)

	_, err = New("fifo", Options{})
	require.Error(t, err)
}

func TestNewKinds(t *testing.T) {
	for _, k := range []Kind{KindLRU, KindLFU, KindTTL, KindMemoryPressure} {
		p, err := New(k, Options{})
		require.NoError(t, err)
		require.Equal(t, k, p.Kind())
	}
}

func TestLRUOrder(t *testing.T) {
	h := newHarness(t, KindLRU)
	h.insert("a", 1, 0)
	h.insert("b", 1, 0)
	h.insert("c", 1, 0)
	require.Equal(t, ids("a"), h.victims(Need{Entries: 1}))

	h.access("a")
	require.Equal(t, ids("b"), h.victims(Need{Entries: 1}))
	require.Equal(t, ids("b", "c"), h.victims(Need{Entries: 2}))
}

func TestLRUByBytes(t *testing.T) {
	h := newHarness(t, KindLRU)
	h.insert("a", 10, 0)
	h.insert("b", 10, 0)
	h.insert("c", 10, 0)

	require.Equal(t, ids("a", "b"), h.victims(Need{Bytes: 15}))
}

func TestLRUOnRemove(t *testing.T) {
	h := newHarness(t, KindLRU)
	h.insert("a", 1, 0)
	h.insert("b", 1, 0)
	h.remove("a")

	require.Equal(t, ids("b"), h.victims(Need{Entries: 1}))
	require.Equal(t, 1, h.policy.(*LRU).Len())
}

func TestNothingNeededSelectsNothing(t *testing.T) {
	for _, k := range []Kind{KindLRU, KindLFU, KindTTL, KindMemoryPressure} {
		h := newHarness(t, k)
		h.insert("a", 1, 0)
		require.Empty(t, h.victims(Need{}), k)
	}
}

func TestPinnedNeverSelected(t *testing.T) {
	for _, k := range []Kind{KindLRU, KindLFU, KindTTL, KindMemoryPressure} {
		t.Run(string(k), func(t *testing.T) {
			h := newHarness(t, k)
			h.insert("pinned", 1, DefaultPinnedPriorityThreshold+1)
			h.insert("edge", 1, DefaultPinnedPriorityThreshold)

			require.Equal(t, ids("edge"), h.victims(Need{Entries: 2}))
		})
	}
}

func TestExcludeNeverSelected(t *testing.T) {
	for _, k := range []Kind{KindLRU, KindLFU, KindTTL, KindMemoryPressure} {
		t.Run(string(k), func(t *testing.T) {
			h := newHarness(t, k)
			h.insert("a", 1, 0)
			h.insert("b", 1, 0)

			require.Equal(t, ids("b"), h.victims(Need{Entries: 1, Exclude: id("a")}))
		})
	}
}

func TestWarmSelectedLast(t *testing.T) {
	for _, k := range []Kind{KindLRU, KindLFU, KindTTL, KindMemoryPressure} {
		t.Run(string(k), func(t *testing.T) {
			h := newHarness(t, k)
			h.insert("a", 1, 0)
			h.insert("b", 1, 0)
			require.True(t, h.tracker.Warm(id("a")))
			require.True(t, h.tracker.Warm(id("b")))
			h.insert("c", 1, 0)

			got := h.victims(Need{Entries: 2})
			require.Len(t, got, 2)
			require.Equal(t, id("c"), got[0])
		})
	}
}

func TestMaxVictims(t *testing.T) {
	h := newHarness(t, KindLRU)
	for _, n := range []string{"a", "b", "c", "d"} {
		h.insert(n, 10, 0)
	}
	require.Equal(t, ids("a", "b"), h.victims(Need{Bytes: 1000, MaxVictims: 2}))
}

func TestInsufficientCandidates(t *testing.T) {
	h := newHarness(t, KindLRU)
	h.insert("a", 1, 0)
	h.insert("p", 1, 500)

	require.Equal(t, ids("a"), h.victims(Need{Entries: 2}))
}

func TestLFUOrder(t *testing.T) {
	h := newHarness(t, KindLFU)
	h.insert("hot", 1, 0)
	h.insert("cold", 1, 0)
	h.insert("warmish", 1, 0)

	for range 5 {
		h.access("hot")
	}
	h.access("warmish")

	require.Equal(t, ids("cold", "warmish"), h.victims(Need{Entries: 2}))
}

func TestLFUTiesOldestFirst(t *testing.T) {
	h := newHarness(t, KindLFU)
	h.insert("old", 1, 0)
	h.insert("new", 1, 0)

	require.Equal(t, ids("old"), h.victims(Need{Entries: 1}))
}

func TestTTLFallsBackToLRU(t *testing.T) {
	h := newHarness(t, KindTTL)
	h.insert("a", 1, 0)
	h.insert("b", 1, 0)
	h.access("a")

	require.Equal(t, ids("b"), h.victims(Need{Entries: 1}))
}

func TestMemoryPressureOrder(t *testing.T) {
	h := newHarness(t, KindMemoryPressure)
	h.insert("important", 1, 50)
	h.insert("old", 1, 0)
	h.insert("recent", 1, 0)
	h.access("old")

	require.Equal(t, ids("recent", "old", "important"), h.victims(Need{Entries: 3}))
}
