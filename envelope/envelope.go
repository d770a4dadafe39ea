package envelope

import (
	"errors"
	"fmt"
	"unicode/utf8"

	contextstore "github.com/wolfeidau/context-store"
	"google.golang.org/protobuf/encoding/protowire"
)

// CanonicalVersion prefixes every canonical encoding.
const CanonicalVersion = 1

// Canonical field numbers. Changing any of these changes every record id.
const (
	fieldVersion protowire.Number = 1
	fieldPart    protowire.Number = 2

	fieldPartKind     protowire.Number = 1
	fieldPartPayload  protowire.Number = 2
	fieldPartBlobHash protowire.Number = 3
	fieldPartMimeType protowire.Number = 4
	fieldPartSize     protowire.Number = 5
)

const (
	kindCodeText       = 1
	kindCodeStructured = 2
	kindCodeBinaryRef  = 3
)

// PendingBlob is a binary payload extracted during canonicalization that
// must be written to blob storage before the envelope is committed.
type PendingBlob struct {
	Hash     contextstore.Hash
	Data     []byte
	MimeType string
}

// storedPart is the resident form of a part.
type storedPart struct {
	kind       Kind
	text       string
	compressed []byte // zstd text when the codec compacted it
	structured []byte // canonical value encoding
	blobHash   contextstore.Hash
	mimeType   string
	size       int64
}

// Envelope is canonicalized content. It is immutable once built except for
// Compact and DropPayloads, which only change resident representation.
type Envelope struct {
	id        contextstore.Hash
	canonical int64
	parts     []storedPart
	blobs     []PendingBlob
}

// Canonicalize normalizes content and computes its id without any blob I/O.
// Errors wrap contextstore.ErrSerialization.
func Canonicalize(c Content) (*Envelope, error) {
	env := &Envelope{parts: make([]storedPart, 0, len(c.Parts))}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, CanonicalVersion)

	for i, p := range c.Parts {
		sp, err := env.canonicalPart(p)
		if err != nil {
			return nil, fmt.Errorf("%w: part %d: %w", contextstore.ErrSerialization, i, err)
		}
		env.parts = append(env.parts, sp)
		buf = protowire.AppendTag(buf, fieldPart, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodePart(sp))
	}

	env.id = contextstore.HashBytes(buf)
	env.canonical = int64(len(buf))
	return env, nil
}

func (e *Envelope) canonicalPart(p Part) (storedPart, error) {
	switch p.Kind {
	case KindText:
		if !utf8.ValidString(p.Text) {
			return storedPart{}, errors.New("text is not valid UTF-8")
		}
		return storedPart{kind: KindText, text: p.Text}, nil

	case KindStructured:
		b, err := normalizeStructured(p.Value)
		if err != nil {
			return storedPart{}, err
		}
		return storedPart{kind: KindStructured, structured: b}, nil

	case KindBinary:
		h := contextstore.HashBytes(p.Data)
		e.blobs = append(e.blobs, PendingBlob{Hash: h, Data: p.Data, MimeType: p.MimeType})
		return storedPart{kind: KindBinaryRef, blobHash: h, mimeType: p.MimeType, size: int64(len(p.Data))}, nil

	case KindBinaryRef:
		if p.BlobHash.IsZero() {
			return storedPart{}, errors.New("binary_ref without blob hash")
		}
		return storedPart{kind: KindBinaryRef, blobHash: p.BlobHash, mimeType: p.MimeType, size: p.Size}, nil

	default:
		return storedPart{}, fmt.Errorf("unsupported part kind %q", p.Kind)
	}
}

func encodePart(sp storedPart) []byte {
	var b []byte
	switch sp.kind {
	case KindText:
		b = protowire.AppendTag(b, fieldPartKind, protowire.VarintType)
		b = protowire.AppendVarint(b, kindCodeText)
		b = protowire.AppendTag(b, fieldPartPayload, protowire.BytesType)
		b = protowire.AppendString(b, sp.text)
	case KindStructured:
		b = protowire.AppendTag(b, fieldPartKind, protowire.VarintType)
		b = protowire.AppendVarint(b, kindCodeStructured)
		b = protowire.AppendTag(b, fieldPartPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, sp.structured)
	case KindBinaryRef:
		b = protowire.AppendTag(b, fieldPartKind, protowire.VarintType)
		b = protowire.AppendVarint(b, kindCodeBinaryRef)
		b = protowire.AppendTag(b, fieldPartBlobHash, protowire.BytesType)
		b = protowire.AppendBytes(b, sp.blobHash[:])
		b = protowire.AppendTag(b, fieldPartMimeType, protowire.BytesType)
		b = protowire.AppendString(b, sp.mimeType)
		b = protowire.AppendTag(b, fieldPartSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sp.size)) //nolint:gosec // sizes are non-negative
	}
	return b
}

// ID returns the record id.
func (e *Envelope) ID() contextstore.Hash {
	return e.id
}

// CanonicalSize returns the length of the canonical encoding.
func (e *Envelope) CanonicalSize() int64 {
	return e.canonical
}

// Size returns the canonical length plus the logical size of every
// referenced blob.
func (e *Envelope) Size() int64 {
	size := e.canonical
	for _, p := range e.parts {
		if p.kind == KindBinaryRef {
			size += p.size
		}
	}
	return size
}

// Blobs returns binary payloads still awaiting storage.
func (e *Envelope) Blobs() []PendingBlob {
	return e.blobs
}

// DropPayloads forgets the binary payloads once they are owned by blob storage.
func (e *Envelope) DropPayloads() {
	e.blobs = nil
}

// BlobRefs returns the blob hash of every binary_ref part, in order and with
// repeats, one per reference held by this envelope.
func (e *Envelope) BlobRefs() []contextstore.Hash {
	var refs []contextstore.Hash
	for _, p := range e.parts {
		if p.kind == KindBinaryRef {
			refs = append(refs, p.blobHash)
		}
	}
	return refs
}

// Reference is a binary_ref part as declared in the content.
type Reference struct {
	Hash     contextstore.Hash
	MimeType string
	Size     int64
}

// References returns every binary_ref part, in order and with repeats.
func (e *Envelope) References() []Reference {
	var refs []Reference
	for _, p := range e.parts {
		if p.kind == KindBinaryRef {
			refs = append(refs, Reference{Hash: p.blobHash, MimeType: p.mimeType, Size: p.size})
		}
	}
	return refs
}

// Compact compresses resident text parts with c. It does not affect the id.
func (e *Envelope) Compact(c *Codec) {
	if c == nil {
		return
	}
	for i := range e.parts {
		p := &e.parts[i]
		if p.kind != KindText || p.compressed != nil {
			continue
		}
		if z, ok := c.Compress(p.text); ok {
			p.compressed = z
			p.text = ""
		}
	}
}

// FetchFunc loads the bytes of a referenced blob.
type FetchFunc func(h contextstore.Hash) ([]byte, error)

// Content rebuilds the logical content, resolving blob references through
// fetch. c may be nil when the envelope was never compacted.
func (e *Envelope) Content(c *Codec, fetch FetchFunc) (Content, error) {
	parts := make([]Part, 0, len(e.parts))
	for i, p := range e.parts {
		switch p.kind {
		case KindText:
			text := p.text
			if p.compressed != nil {
				if c == nil {
					return Content{}, fmt.Errorf("part %d: compressed text without codec", i)
				}
				var err error
				if text, err = c.Decompress(p.compressed); err != nil {
					return Content{}, fmt.Errorf("part %d: %w", i, err)
				}
			}
			parts = append(parts, Text(text))

		case KindStructured:
			v, err := decodeValue(p.structured)
			if err != nil {
				return Content{}, fmt.Errorf("%w: part %d: %w", contextstore.ErrSerialization, i, err)
			}
			parts = append(parts, Structured(v))

		case KindBinaryRef:
			data, err := fetch(p.blobHash)
			if err != nil {
				return Content{}, err
			}
			parts = append(parts, Part{
				Kind:     KindBinary,
				Data:     data,
				MimeType: p.mimeType,
				BlobHash: p.blobHash,
				Size:     p.size,
			})
		}
	}
	return Content{Parts: parts}, nil
}
