package meta

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	contextstore "github.com/wolfeidau/context-store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
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

func id(s string) contextstore.Hash {
	return contextstore.HashBytes([]byte(s))
}

func TestCreateAndGet(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithNow(clock.Now))

	require.True(t, tr.Create(Record{ID: id("a"), Size: 10, Tags: map[string]string{"agent": "x"}}))
	require.False(t, tr.Create(Record{ID: id("a"), Size: 99}))

	r, ok := tr.Get(id("a"))
	require.True(t, ok)
	require.Equal(t, int64(10), r.Size)
	require.Equal(t, clock.Now(), r.CreatedAt)
	require.Equal(t, clock.Now(), r.LastAccessedAt)

	r.Tags["agent"] = "mutated"
	again, _ := tr.Get(id("a"))
	require.Equal(t, "x", again.Tags["agent"])

	require.Equal(t, 1, tr.Len())
	require.Equal(t, int64(10), tr.Bytes())
}

func TestTouch(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithNow(clock.Now))
	tr.Create(Record{ID: id("a")})

	clock.Advance(time.Second)
	r, ok := tr.Touch(id("a"))
	require.True(t, ok)
	require.Equal(t, int64(1), r.AccessCount)
	require.Equal(t, clock.Now(), r.LastAccessedAt)

	_, ok = tr.Touch(id("missing"))
	require.False(t, ok)
}

func TestFrequencyScore(t *testing.T) {
	start := time.Now()
	r := Record{CreatedAt: start, AccessCount: 10}
	require.InDelta(t, 5.0, r.FrequencyScore(start.Add(2*time.Second)), 1e-9)

	// Age is floored so brand new records do not divide by zero.
	require.InDelta(t, 10000.0, r.FrequencyScore(start), 1e-6)
}

func TestRaisePriority(t *testing.T) {
	tr := New()
	tr.Create(Record{ID: id("a"), Priority: 5})

	require.True(t, tr.RaisePriority(id("a"), 3))
	r, _ := tr.Get(id("a"))
	require.Equal(t, 5, r.Priority)

	require.True(t, tr.RaisePriority(id("a"), 50))
	r, _ = tr.Get(id("a"))
	require.Equal(t, 50, r.Priority)

	require.False(t, tr.RaisePriority(id("missing"), 1))
}

func TestDelete(t *testing.T) {
	tr := New()
	tr.Create(Record{ID: id("a"), Size: 7})
	tr.Warm(id("a"))

	r, ok := tr.Delete(id("a"))
	require.True(t, ok)
	require.Equal(t, int64(7), r.Size)
	require.False(t, tr.IsWarm(id("a")))
	require.Zero(t, tr.Len())
	require.Zero(t, tr.Bytes())

	_, ok = tr.Delete(id("a"))
	require.False(t, ok)
}

func TestExpiredAndState(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithNow(clock.Now))

	tr.Create(Record{ID: id("ttl"), TTLExpiry: clock.Now().Add(time.Minute)})
	tr.Create(Record{ID: id("forever")})

	require.Empty(t, tr.Expired(clock.Now()))
	st, ok := tr.State(id("ttl"))
	require.True(t, ok)
	require.Equal(t, StateActive, st)

	clock.Advance(time.Minute)
	require.Equal(t, []contextstore.Hash{id("ttl")}, tr.Expired(clock.Now()))
	st, _ = tr.State(id("ttl"))
	require.Equal(t, StateExpired, st)

	_, ok = tr.State(id("missing"))
	require.False(t, ok)
}

func TestWarmDecays(t *testing.T) {
	clock := newFakeClock()
	tr := New(WithNow(clock.Now), WithWarmDuration(20*time.Millisecond))
	tr.Create(Record{ID: id("a")})

	clock.Advance(time.Second)
	require.True(t, tr.Warm(id("a")))
	require.False(t, tr.Warm(id("missing")))

	r, _ := tr.Get(id("a"))
	require.Equal(t, clock.Now(), r.LastAccessedAt)
	require.Zero(t, r.AccessCount)

	st, _ := tr.State(id("a"))
	require.Equal(t, StateWarm, st)

	require.Eventually(t, func() bool {
		return !tr.IsWarm(id("a"))
	}, time.Second, 5*time.Millisecond)

	require.Zero(t, tr.SweepWarm())
	st, _ = tr.State(id("a"))
	require.Equal(t, StateActive, st)
}

func TestEach(t *testing.T) {
	tr := New()
	for _, s := range []string{"a", "b", "c", "d"} {
		tr.Create(Record{ID: id(s), Size: 1})
	}

	seen := 0
	tr.Each(func(Record) bool {
		seen++
		return true
	})
	require.Equal(t, 4, seen)

	seen = 0
	tr.Each(func(Record) bool {
		seen++
		return seen < 2
	})
	require.Equal(t, 2, seen)
}

func TestConcurrentTouch(t *testing.T) {
	tr := New()
	tr.Create(Record{ID: id("hot")})

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			tr.Touch(id("hot"))
		})
	}
	wg.Wait()

	r, _ := tr.Get(id("hot"))
	require.Equal(t, int64(50), r.AccessCount)
}
