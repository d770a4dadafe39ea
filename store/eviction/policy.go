// Package eviction implements the victim-selection policies of the context
// store: LRU, LFU, TTL and memory pressure.
//
// A policy only orders candidates. The store owns removal, locking and
// reference counting, and calls the On* hooks so stateful policies can keep
// their ordering current.
package eviction

import (
	"fmt"
	"time"

	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/store/meta"
)

// Kind names a policy.
type Kind string

const (
	KindLRU            Kind = "lru"
	KindLFU            Kind = "lfu"
	KindTTL            Kind = "ttl"
	KindMemoryPressure Kind = "memory_pressure"
)

// DefaultPinnedPriorityThreshold is the priority above which records are pinned.
const DefaultPinnedPriorityThreshold = 100

// ParseKind validates a policy name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLRU, KindLFU, KindTTL, KindMemoryPressure:
		return k, nil
	default:
		return "", fmt.Errorf("unknown eviction policy %q", s)
	}
}

// State is the read-only view of record metadata a policy consults.
type State interface {
	Get(id contextstore.Hash) (meta.Record, bool)
	IsWarm(id contextstore.Hash) bool
	Each(fn func(meta.Record) bool)
	Now() time.Time
}

// Need is the amount of room a caller wants freed.
type Need struct {
	Entries    int
	Bytes      int64
	MaxVictims int               // 0 means unlimited
	Exclude    contextstore.Hash // never selected, e.g. the record being inserted
}

// Policy selects eviction victims.
type Policy interface {
	Kind() Kind
	OnInsert(id contextstore.Hash)
	OnAccess(id contextstore.Hash)
	OnRemove(id contextstore.Hash)

	// SelectVictims returns unpinned records, best victim first, until need
	// is covered or candidates run out. Warm records are only returned after
	// every cold candidate. Callers must check whether the result suffices.
	SelectVictims(state State, need Need) []contextstore.Hash
}

// Options configures a policy.
type Options struct {
	PinnedPriorityThreshold int
}

// New constructs the policy named by kind.
func New(kind Kind, opts Options) (Policy, error) {
	switch kind {
	case KindLRU:
		return NewLRU(opts), nil
	case KindLFU:
		return NewLFU(opts), nil
	case KindTTL:
		return NewTTL(opts), nil
	case KindMemoryPressure:
		return NewMemoryPressure(opts), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", kind)
	}
}

// selector accumulates victims against a Need in two passes: cold
// candidates first, then warm ones.
type selector struct {
	state   State
	need    Need
	pinned  int
	victims []contextstore.Hash
	chosen  map[contextstore.Hash]struct{}
	entries int
	bytes   int64
}

func newSelector(state State, need Need, pinned int) *selector {
	return &selector{state: state, need: need, pinned: pinned, chosen: make(map[contextstore.Hash]struct{})}
}

func (s *selector) done() bool {
	if s.need.MaxVictims > 0 && len(s.victims) >= s.need.MaxVictims {
		return true
	}
	return s.entries >= s.need.Entries && s.bytes >= s.need.Bytes
}

// offer considers r on the given pass and reports whether selection is done.
func (s *selector) offer(r meta.Record, warmPass bool) bool {
	if s.done() {
		return true
	}
	if r.ID == s.need.Exclude || r.Pinned(s.pinned) {
		return false
	}
	if _, ok := s.chosen[r.ID]; ok {
		return false
	}
	if s.state.IsWarm(r.ID) != warmPass {
		return false
	}
	s.chosen[r.ID] = struct{}{}
	s.victims = append(s.victims, r.ID)
	s.entries++
	s.bytes += r.Size
	return s.done()
}

// fromOrder runs both passes over ids in preference order.
func (s *selector) fromOrder(ids []contextstore.Hash) []contextstore.Hash {
	if s.done() {
		return nil
	}
	for _, warmPass := range []bool{false, true} {
		for _, id := range ids {
			r, ok := s.state.Get(id)
			if !ok {
				continue
			}
			if s.offer(r, warmPass) {
				return s.victims
			}
		}
	}
	return s.victims
}

// fromRecords runs both passes over already-sorted records.
func (s *selector) fromRecords(records []meta.Record) []contextstore.Hash {
	if s.done() {
		return nil
	}
	for _, warmPass := range []bool{false, true} {
		for _, r := range records {
			if s.offer(r, warmPass) {
				return s.victims
			}
		}
	}
	return s.victims
}

func snapshot(state State) []meta.Record {
	var records []meta.Record
	state.Each(func(r meta.Record) bool {
		records = append(records, r)
		return true
	})
	return records
}
