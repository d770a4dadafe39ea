package eviction

import (
	"cmp"
	"slices"

	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/store/meta"
)

// MemoryPressure evicts the lowest-priority records first and the least
// recently used among equal priorities. The janitor drives it when sampled
// memory crosses the high watermark.
type MemoryPressure struct {
	pinned int
}

// NewMemoryPressure creates a memory-pressure policy.
func NewMemoryPressure(opts Options) *MemoryPressure {
	return &MemoryPressure{pinned: opts.PinnedPriorityThreshold}
}

func (p *MemoryPressure) Kind() Kind                 { return KindMemoryPressure }
func (p *MemoryPressure) OnInsert(contextstore.Hash) {}
func (p *MemoryPressure) OnAccess(contextstore.Hash) {}
func (p *MemoryPressure) OnRemove(contextstore.Hash) {}

func (p *MemoryPressure) SelectVictims(state State, need Need) []contextstore.Hash {
	records := snapshot(state)
	slices.SortFunc(records, func(a, b meta.Record) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return a.LastAccessedAt.Compare(b.LastAccessedAt)
	})
	return newSelector(state, need, p.pinned).fromRecords(records)
}
