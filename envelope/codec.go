package envelope

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// DefaultCompressionThreshold is the smallest text part worth compressing.
const DefaultCompressionThreshold = 2048

// MaxDecompressedSize caps a single decompressed text part.
const MaxDecompressedSize = 256 << 20

// ErrDecompressionBomb is returned when a text part decompresses past
// MaxDecompressedSize.
var ErrDecompressionBomb = errors.New("decompressed text exceeds maximum size")

// Codec compresses large resident text parts with zstd. Encoder and decoder
// are goroutine-safe and shared.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	mu        sync.RWMutex
}

// NewCodec creates a codec that compresses text of at least threshold bytes.
// A threshold <= 0 uses DefaultCompressionThreshold.
func NewCodec(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{threshold: threshold, encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Compress returns the zstd form of s when s is over the threshold and
// compression actually saves space.
func (c *Codec) Compress(s string) ([]byte, bool) {
	if len(s) < c.threshold {
		return nil, false
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return nil, false
	}

	compressed := enc.EncodeAll([]byte(s), nil)
	if len(compressed) >= len(s) {
		return nil, false
	}
	return compressed, true
}

// Decompress reverses Compress.
func (c *Codec) Decompress(b []byte) (string, error) {
	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return "", errors.New("decoder not initialized")
	}

	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return "", ErrDecompressionBomb
		}
		return "", fmt.Errorf("decompressing text: %w", err)
	}
	return string(out), nil
}
