package eviction

import (
	"container/list"
	"sync"

	contextstore "github.com/wolfeidau/context-store"
)

// LRU evicts the least recently inserted or accessed records first.
type LRU struct {
	pinned int

	mu    sync.Mutex
	order *list.List // front = most recent
	elems map[contextstore.Hash]*list.Element
}

// NewLRU creates an LRU policy.
func NewLRU(opts Options) *LRU {
	return &LRU{
		pinned: opts.PinnedPriorityThreshold,
		order:  list.New(),
		elems:  make(map[contextstore.Hash]*list.Element),
	}
}

func (p *LRU) Kind() Kind { return KindLRU }

func (p *LRU) OnInsert(id contextstore.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.elems[id]; ok {
		p.order.MoveToFront(e)
		return
	}
	p.elems[id] = p.order.PushFront(id)
}

func (p *LRU) OnAccess(id contextstore.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.elems[id]; ok {
		p.order.MoveToFront(e)
	}
}

func (p *LRU) OnRemove(id contextstore.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.elems[id]; ok {
		p.order.Remove(e)
		delete(p.elems, id)
	}
}

// Len returns the number of tracked ids.
func (p *LRU) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

func (p *LRU) SelectVictims(state State, need Need) []contextstore.Hash {
	return newSelector(state, need, p.pinned).fromOrder(p.oldestFirst())
}

func (p *LRU) oldestFirst() []contextstore.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]contextstore.Hash, 0, p.order.Len())
	for e := p.order.Back(); e != nil; e = e.Prev() {
		ids = append(ids, e.Value.(contextstore.Hash))
	}
	return ids
}
