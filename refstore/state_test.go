package refstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/envelope"
)

func TestStateBindsKeys(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	st := NewState(s)
	ctx := context.Background()

	id, err := st.AddLargeContext(ctx, "search_results", text("ten blue links"), Metadata{})
	require.NoError(t, err)

	ref, ok := st.Ref("search_results")
	require.True(t, ok)
	require.Equal(t, id, ref)

	got, err := st.GetContext(ctx, "search_results")
	require.NoError(t, err)
	require.Equal(t, []string{"ten blue links"}, got.Texts())

	_, err = st.GetContext(ctx, "missing")
	require.ErrorIs(t, err, contextstore.ErrNotFound)

	_, err = st.AddLargeContext(ctx, "bad", text("\xff"), Metadata{})
	require.ErrorIs(t, err, contextstore.ErrSerialization)
	_, ok = st.Ref("bad")
	require.False(t, ok)
}

func TestStatesShareRecords(t *testing.T) {
	s := newTestStore(t, testConfig(t))
	ctx := context.Background()
	planner, coder := NewState(s), NewState(s)

	doc := envelope.New(envelope.Text("design doc"), envelope.Binary(largeBlob(1), "application/pdf"))
	a, err := planner.AddLargeContext(ctx, "doc", doc, Metadata{})
	require.NoError(t, err)
	b, err := coder.AddLargeContext(ctx, "design-doc", doc, Metadata{})
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Equal(t, []string{"doc"}, planner.Keys())
	require.Equal(t, []string{"design-doc"}, coder.Keys())
	require.Equal(t, 1, s.Stats().TotalRecords)
	require.Equal(t, int64(1), s.Stats().DedupHits)

	require.NoError(t, planner.Remove(ctx, "doc", false))
	_, err = coder.GetContext(ctx, "design-doc")
	require.NoError(t, err)

	require.NoError(t, coder.Remove(ctx, "design-doc", true))
	require.False(t, s.Has(a))

	err = coder.Remove(ctx, "design-doc", true)
	require.ErrorIs(t, err, contextstore.ErrNotFound)
}

func TestStateRemoveAfterEviction(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEntries = 1
	s := newTestStore(t, cfg)
	st := NewState(s)
	ctx := context.Background()

	_, err := st.AddLargeContext(ctx, "old", text("old"), Metadata{})
	require.NoError(t, err)
	_, err = st.AddLargeContext(ctx, "new", text("new"), Metadata{})
	require.NoError(t, err)

	_, err = st.GetContext(ctx, "old")
	require.ErrorIs(t, err, contextstore.ErrNotFound)

	require.NoError(t, st.Remove(ctx, "old", true))
	require.Equal(t, []string{"new"}, st.Keys())
}
