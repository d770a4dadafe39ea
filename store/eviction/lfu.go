package eviction

import (
	"slices"

	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/store/meta"
)

// LFU evicts the records with the lowest access frequency, oldest first on ties.
// Frequencies come from the tracker, so the hooks are no-ops.
type LFU struct {
	pinned int
}

// NewLFU creates an LFU policy.
func NewLFU(opts Options) *LFU {
	return &LFU{pinned: opts.PinnedPriorityThreshold}
}

func (p *LFU) Kind() Kind                 { return KindLFU }
func (p *LFU) OnInsert(contextstore.Hash) {}
func (p *LFU) OnAccess(contextstore.Hash) {}
func (p *LFU) OnRemove(contextstore.Hash) {}

func (p *LFU) SelectVictims(state State, need Need) []contextstore.Hash {
	now := state.Now()
	records := snapshot(state)
	slices.SortFunc(records, func(a, b meta.Record) int {
		fa, fb := a.FrequencyScore(now), b.FrequencyScore(now)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return newSelector(state, need, p.pinned).fromRecords(records)
}
