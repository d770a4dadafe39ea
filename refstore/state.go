package refstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/envelope"
)

// State binds caller-chosen keys to record ids for one agent or session.
// Keys are local to the State; the records they name live in the shared
// Store and may be referenced from many States.
type State struct {
	store *Store

	mu   sync.RWMutex
	refs map[string]contextstore.Hash
}

// NewState creates an empty session view over store.
func NewState(store *Store) *State {
	return &State{
		store: store,
		refs:  make(map[string]contextstore.Hash),
	}
}

// AddLargeContext stores content and binds key to its id, replacing any
// previous binding for key.
func (st *State) AddLargeContext(ctx context.Context, key string, content envelope.Content, md Metadata) (contextstore.Hash, error) {
	id, err := st.store.StoreWithMetadata(ctx, content, md)
	if err != nil {
		return contextstore.Hash{}, fmt.Errorf("failed to add context %q: %w", key, err)
	}

	st.mu.Lock()
	st.refs[key] = id
	st.mu.Unlock()
	return id, nil
}

// GetContext retrieves the content bound to key.
func (st *State) GetContext(ctx context.Context, key string) (envelope.Content, error) {
	id, ok := st.Ref(key)
	if !ok {
		return envelope.Content{}, fmt.Errorf("context key %q: %w", key, contextstore.ErrNotFound)
	}
	content, err := st.store.Retrieve(ctx, id)
	if err != nil {
		return envelope.Content{}, fmt.Errorf("context key %q: %w", key, err)
	}
	return content, nil
}

// Ref returns the id bound to key.
func (st *State) Ref(key string) (contextstore.Hash, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.refs[key]
	return id, ok
}

// Keys returns the bound keys in sorted order.
func (st *State) Keys() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return slices.Sorted(maps.Keys(st.refs))
}

// Remove unbinds key. With deleteRecord the record itself is deleted from
// the store, which affects every other State referencing it; a record that
// is already gone is not an error.
func (st *State) Remove(ctx context.Context, key string, deleteRecord bool) error {
	st.mu.Lock()
	id, ok := st.refs[key]
	delete(st.refs, key)
	st.mu.Unlock()

	if !ok {
		return fmt.Errorf("context key %q: %w", key, contextstore.ErrNotFound)
	}
	if !deleteRecord {
		return nil
	}
	if err := st.store.Delete(ctx, id); err != nil && !errors.Is(err, contextstore.ErrNotFound) {
		return fmt.Errorf("context key %q: %w", key, err)
	}
	return nil
}
