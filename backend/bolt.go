package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketBlobs = []byte("blobs")

// Bolt implements Backend on a single bbolt database file. It trades the
// one-file-per-blob layout of Filesystem for fewer inodes, which suits many
// medium-sized blobs.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a Bolt backend.
type BoltOption func(*Bolt)

// WithBoltLogger sets the logger.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithBoltNoSync disables fsync per transaction.
// WARNING: only for tests and benchmarks.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketBlobs, err)
	}

	b.db = db
	b.logger.Debug("opened bolt backend", "path", path, "noSync", b.noSync)
	return b, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Write stores the full contents of r under key in one transaction.
func (b *Bolt) Write(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(key), data)
	})
}

// Read returns a copy of the value at key.
func (b *Bolt) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		// bbolt memory is only valid inside the transaction.
		data = bytes.Clone(val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes key. Missing keys are not an error.
func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	})
}

// Exists checks if a key exists.
func (b *Bolt) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketBlobs).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// List returns all keys with the given prefix in key order.
func (b *Bolt) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlobs).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Size returns the stored length of the value at key.
func (b *Bolt) Size(ctx context.Context, key string) (int64, error) {
	var size int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		size = int64(len(val))
		return nil
	})
	return size, err
}

// Update applies fn to the raw value at key inside a write transaction.
// It exists so tests can simulate on-disk corruption.
func (b *Bolt) Update(key string, fn func(val []byte) []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		return bucket.Put([]byte(key), fn(bytes.Clone(val)))
	})
}

var (
	_ Backend          = (*Bolt)(nil)
	_ SizeAwareBackend = (*Bolt)(nil)
)
