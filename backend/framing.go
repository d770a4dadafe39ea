package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	// MagicBytes is the 4-byte prefix of every framed blob.
	MagicBytes = []byte("CRS1")

	// ErrInvalidMagic is returned when a value doesn't start with MagicBytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected CRS1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrSizeMismatch is returned when a decoded body differs from the header size.
	ErrSizeMismatch = errors.New("decoded size does not match header")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// maxPrealloc caps the decode buffer sized from an untrusted header.
const maxPrealloc = 64 << 20

// CompressionThreshold is the smallest body worth trying to compress.
const CompressionThreshold = 4096

// Encoding is the body encoding of a framed blob.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

// BlobHeader describes a framed blob.
type BlobHeader struct {
	MimeType    string   `json:"mime_type,omitempty"`
	Size        int64    `json:"size"`
	Encoding    Encoding `json:"encoding"`
	ContentHash string   `json:"content_hash"`
	StoredAt    string   `json:"stored_at,omitempty"`
}

// WriteFramed writes MAGIC | HDRLEN (uint32 BE) | HDR (JSON) | BODY.
// body must already be in header.Encoding.
func WriteFramed(w io.Writer, header *BlobHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// ReadFramed parses the frame header and returns a reader positioned at the body.
func ReadFramed(r io.Reader) (*BlobHeader, io.Reader, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header BlobHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	return &header, r, nil
}

// FrameCodec frames blob bytes for the disk tier, compressing bodies with
// zstd when that makes them smaller. The zstd encoder and decoder are
// goroutine-safe and shared.
type FrameCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewFrameCodec creates a codec with a shared zstd encoder/decoder.
func NewFrameCodec() (*FrameCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &FrameCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *FrameCodec) Close() {
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

// Encode frames data. header.Size and header.Encoding are filled in here.
func (c *FrameCodec) Encode(header BlobHeader, data []byte) ([]byte, error) {
	header.Size = int64(len(data))
	header.Encoding = EncodingIdentity
	body := data

	if len(data) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(data, nil); len(compressed) < len(data) {
				body = compressed
				header.Encoding = EncodingZstd
			}
		}
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 256)
	if err := WriteFramed(&buf, &header, bytes.NewReader(body)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a framed blob and returns its header and decoded bytes.
// The caller is responsible for verifying ContentHash.
func (c *FrameCodec) Decode(r io.Reader) (*BlobHeader, []byte, error) {
	header, body, err := ReadFramed(r)
	if err != nil {
		return nil, nil, err
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading body: %w", err)
	}

	switch header.Encoding {
	case EncodingIdentity, "":
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, nil, errors.New("codec closed")
		}
		raw, err = dec.DecodeAll(raw, make([]byte, 0, min(max(header.Size, 0), maxPrealloc)))
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing body: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported encoding: %q", header.Encoding)
	}

	if int64(len(raw)) != header.Size {
		return nil, nil, fmt.Errorf("%w: header %d, body %d", ErrSizeMismatch, header.Size, len(raw))
	}
	return header, raw, nil
}
