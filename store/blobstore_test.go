package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	contextstore "github.com/wolfeidau/context-store"
	"github.com/wolfeidau/context-store/backend"
)

const testThreshold = 64

func newTestBlobStore(t *testing.T) (*BlobStore, *backend.Filesystem) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	s, err := NewBlobStore(fs, WithMemoryThreshold(testThreshold))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, fs
}

func TestNewBlobStoreRequiresBackend(t *testing.T) {
	_, err := NewBlobStore(nil)
	require.Error(t, err)
}

func TestBlobStoreTiering(t *testing.T) {
	s, fs := newTestBlobStore(t)
	ctx := context.Background()

	small := []byte("tiny")
	large := bytes.Repeat([]byte("L"), testThreshold)

	rs, err := s.Put(ctx, small, "text/plain")
	require.NoError(t, err)
	require.Equal(t, TierMemory, rs.Tier)
	require.False(t, rs.Exists)

	rl, err := s.Put(ctx, large, "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, TierDisk, rl.Tier)

	_, err = os.Stat(fs.Path(contextstore.BlobStorageKey(rl.Hash)))
	require.NoError(t, err)
	_, err = os.Stat(fs.Path(contextstore.BlobStorageKey(rs.Hash)))
	require.True(t, os.IsNotExist(err))

	got, err := s.Get(ctx, rs.Hash)
	require.NoError(t, err)
	require.Equal(t, small, got)

	got, err = s.Get(ctx, rl.Hash)
	require.NoError(t, err)
	require.Equal(t, large, got)

	stats := s.Stats()
	require.Equal(t, 2, stats.Blobs)
	require.Equal(t, int64(len(small)), stats.MemoryBytes)
	require.Equal(t, int64(len(large)), stats.DiskBytes)
}

func TestBlobStoreGetReturnsCopy(t *testing.T) {
	s, _ := newTestBlobStore(t)
	ctx := context.Background()

	data := []byte("mutable")
	r, err := s.Put(ctx, data, "")
	require.NoError(t, err)
	data[0] = 'X'

	got, err := s.Get(ctx, r.Hash)
	require.NoError(t, err)
	require.Equal(t, []byte("mutable"), got)

	got[0] = 'Y'
	again, err := s.Get(ctx, r.Hash)
	require.NoError(t, err)
	require.Equal(t, []byte("mutable"), again)
}

func TestBlobStoreDedupRefCount(t *testing.T) {
	for _, size := range []int{8, testThreshold * 4} {
		s, _ := newTestBlobStore(t)
		ctx := context.Background()
		data := bytes.Repeat([]byte("d"), size)

		first, err := s.Put(ctx, data, "image/png")
		require.NoError(t, err)
		second, err := s.Put(ctx, data, "image/png")
		require.NoError(t, err)
		require.True(t, second.Exists)
		require.Equal(t, first.Hash, second.Hash)

		info, ok := s.Info(first.Hash)
		require.True(t, ok)
		require.Equal(t, 2, info.RefCount)
		require.Equal(t, int64(1), s.Stats().DedupHits)

		require.NoError(t, s.Release(ctx, first.Hash))
		got, err := s.Get(ctx, first.Hash)
		require.NoError(t, err)
		require.Equal(t, data, got)

		require.NoError(t, s.Release(ctx, first.Hash))
		_, err = s.Get(ctx, first.Hash)
		require.ErrorIs(t, err, contextstore.ErrNotFound)
		require.False(t, s.Has(first.Hash))

		stats := s.Stats()
		require.Zero(t, stats.Blobs)
		require.Zero(t, stats.MemoryBytes)
		require.Zero(t, stats.DiskBytes)

		require.ErrorIs(t, s.Release(ctx, first.Hash), contextstore.ErrNotFound)
	}
}

func TestBlobStoreReleaseDeletesDiskFile(t *testing.T) {
	s, fs := newTestBlobStore(t)
	ctx := context.Background()

	r, err := s.Put(ctx, bytes.Repeat([]byte("z"), testThreshold), "")
	require.NoError(t, err)
	path := fs.Path(contextstore.BlobStorageKey(r.Hash))

	require.NoError(t, s.Release(ctx, r.Hash))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestBlobStoreCompressesDiskTier(t *testing.T) {
	s, fs := newTestBlobStore(t)
	ctx := context.Background()

	data := []byte(strings.Repeat("compressible context ", 4096))
	r, err := s.Put(ctx, data, "text/plain")
	require.NoError(t, err)

	size, err := fs.Size(ctx, contextstore.BlobStorageKey(r.Hash))
	require.NoError(t, err)
	require.Less(t, size, int64(len(data)))

	got, err := s.Get(ctx, r.Hash)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBlobStoreDetectsCorruption(t *testing.T) {
	s, fs := newTestBlobStore(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0xfe}, testThreshold)
	r, err := s.Put(ctx, data, "application/octet-stream")
	require.NoError(t, err)

	path := fs.Path(contextstore.BlobStorageKey(r.Hash))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip the final body byte; framing stays valid.
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = s.Get(ctx, r.Hash)
	require.ErrorIs(t, err, contextstore.ErrIntegrity)

	var ie *contextstore.IntegrityError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, r.Hash, ie.Expected)
}

func TestBlobStoreDetectsGarbageFrame(t *testing.T) {
	s, fs := newTestBlobStore(t)
	ctx := context.Background()

	r, err := s.Put(ctx, bytes.Repeat([]byte("g"), testThreshold), "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(fs.Path(contextstore.BlobStorageKey(r.Hash)), []byte("garbage"), 0o600))

	_, err = s.Get(ctx, r.Hash)
	require.ErrorIs(t, err, contextstore.ErrIntegrity)
}

func TestBlobStoreDetectsCorruptionInBolt(t *testing.T) {
	b, err := backend.OpenBolt(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	s, err := NewBlobStore(b, WithMemoryThreshold(testThreshold))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	data := bytes.Repeat([]byte{0xaa, 0x55}, testThreshold)
	r, err := s.Put(ctx, data, "")
	require.NoError(t, err)

	got, err := s.Get(ctx, r.Hash)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, b.Update(contextstore.BlobStorageKey(r.Hash), func(val []byte) []byte {
		val[len(val)-1] ^= 0x01
		return val
	}))

	_, err = s.Get(ctx, r.Hash)
	require.ErrorIs(t, err, contextstore.ErrIntegrity)
}

type failingBackend struct {
	backend.Backend
	writeErr error
}

func (f *failingBackend) Write(context.Context, string, io.Reader) error {
	return f.writeErr
}

func TestBlobStoreFailedPutLeavesNoEntry(t *testing.T) {
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	fb := &failingBackend{Backend: fs, writeErr: errors.New("disk full")}
	s, err := NewBlobStore(fb, WithMemoryThreshold(testThreshold))
	require.NoError(t, err)
	defer s.Close()

	data := bytes.Repeat([]byte("f"), testThreshold)
	_, err = s.Put(context.Background(), data, "")
	require.ErrorIs(t, err, contextstore.ErrStorage)

	var se *contextstore.StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "write", se.Op)

	require.False(t, s.Has(contextstore.HashBytes(data)))
	require.Zero(t, s.Stats().Blobs)
	require.Zero(t, s.Stats().DiskBytes)
}

func TestBlobStoreMissingFileIsStorageError(t *testing.T) {
	s, fs := newTestBlobStore(t)
	ctx := context.Background()

	r, err := s.Put(ctx, bytes.Repeat([]byte("m"), testThreshold), "")
	require.NoError(t, err)
	require.NoError(t, os.Remove(fs.Path(contextstore.BlobStorageKey(r.Hash))))

	_, err = s.Get(ctx, r.Hash)
	require.ErrorIs(t, err, contextstore.ErrStorage)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestBlobStoreConcurrentPuts(t *testing.T) {
	s, _ := newTestBlobStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("c"), testThreshold*2)

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			_, err := s.Put(ctx, data, "")
			require.NoError(t, err)
		})
	}
	wg.Wait()

	info, ok := s.Info(contextstore.HashBytes(data))
	require.True(t, ok)
	require.Equal(t, n, info.RefCount)
	require.Equal(t, int64(n-1), s.Stats().DedupHits)
	require.Equal(t, int64(len(data)), s.Stats().DiskBytes)
}

func TestBlobStoreConcurrentDiskReads(t *testing.T) {
	s, _ := newTestBlobStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("r"), testThreshold*8)

	r, err := s.Put(ctx, data, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			got, err := s.Get(ctx, r.Hash)
			require.NoError(t, err)
			require.Equal(t, data, got)
		})
	}
	wg.Wait()
}

func TestBlobStorePurgeOrphans(t *testing.T) {
	s, fs := newTestBlobStore(t)
	ctx := context.Background()

	kept, err := s.Put(ctx, bytes.Repeat([]byte("k"), testThreshold), "")
	require.NoError(t, err)

	orphan := contextstore.HashBytes([]byte("left over from a previous run"))
	require.NoError(t, fs.Write(ctx, contextstore.BlobStorageKey(orphan), strings.NewReader("stale")))
	require.NoError(t, fs.Write(ctx, "blobs/not-a-hash", strings.NewReader("ignored")))

	n, err := s.PurgeOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	exists, err := fs.Exists(ctx, contextstore.BlobStorageKey(orphan))
	require.NoError(t, err)
	require.False(t, exists)

	got, err := s.Get(ctx, kept.Hash)
	require.NoError(t, err)
	require.Len(t, got, testThreshold)
}

func TestBlobStoreAcquire(t *testing.T) {
	s, _ := newTestBlobStore(t)
	ctx := context.Background()

	res, err := s.Put(ctx, []byte("shared"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, s.Acquire(ctx, res.Hash, res.Size, "text/plain"))
	info, ok := s.Info(res.Hash)
	require.True(t, ok)
	require.Equal(t, 2, info.RefCount)

	require.NoError(t, s.Release(ctx, res.Hash))
	require.NoError(t, s.Release(ctx, res.Hash))
	require.False(t, s.Has(res.Hash))

	err = s.Acquire(ctx, res.Hash, res.Size, "text/plain")
	require.ErrorIs(t, err, contextstore.ErrNotFound)
}

func TestBlobStoreAcquireRejectsMismatchedReference(t *testing.T) {
	s, _ := newTestBlobStore(t)
	ctx := context.Background()

	res, err := s.Put(ctx, []byte("two hundred bytes, give or take"), "image/png")
	require.NoError(t, err)

	tests := []struct {
		name     string
		size     int64
		mimeType string
	}{
		{name: "zero size", size: 0, mimeType: "image/png"},
		{name: "larger size", size: res.Size + 1, mimeType: "image/png"},
		{name: "other mime type", size: res.Size, mimeType: "image/jpeg"},
		{name: "missing mime type", size: res.Size, mimeType: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Acquire(ctx, res.Hash, tt.size, tt.mimeType)
			require.ErrorIs(t, err, contextstore.ErrSerialization)

			info, ok := s.Info(res.Hash)
			require.True(t, ok)
			require.Equal(t, 1, info.RefCount)
		})
	}
}
