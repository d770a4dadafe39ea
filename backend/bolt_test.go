package backend

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltUpdate(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "blobs.db"), WithBoltNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "k", bytes.NewReader([]byte("abc"))))
	require.NoError(t, b.Update("k", func(val []byte) []byte {
		val[0] = 'x'
		return val
	}))
	require.Equal(t, []byte("xbc"), readAll(t, b, "k"))

	require.ErrorIs(t, b.Update("missing", func(v []byte) []byte { return v }), ErrNotFound)
}

func TestBoltReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	ctx := context.Background()

	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, "blobs/ee/e", bytes.NewReader([]byte("yes"))))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	require.Equal(t, []byte("yes"), readAll(t, b, "blobs/ee/e"))
}

func TestBoltRejectsAfterClose(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	require.Error(t, b.Write(context.Background(), "k", bytes.NewReader([]byte("v"))))
}
