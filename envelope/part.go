// Package envelope turns caller content into a canonical, hashable form.
//
// Content is an ordered list of typed parts. Canonicalization normalizes
// structured values, swaps binary payloads for references by content hash and
// serializes the result into a stable byte form whose BLAKE3 hash is the
// record id.
package envelope

import (
	contextstore "github.com/wolfeidau/context-store"
)

// Kind discriminates the payload carried by a Part.
type Kind string

const (
	// KindText is a UTF-8 text part.
	KindText Kind = "text"
	// KindStructured is a JSON-compatible value.
	KindStructured Kind = "structured"
	// KindBinary carries raw bytes and a mime type. Retrieved content
	// reports binary parts with BlobHash and Size populated.
	KindBinary Kind = "binary"
	// KindBinaryRef names a blob by content hash. It only appears inside a
	// canonical envelope.
	KindBinaryRef Kind = "binary_ref"
)

// Part is one element of Content. Only the fields for Kind are meaningful.
type Part struct {
	Kind Kind

	Text  string // KindText
	Value any    // KindStructured

	Data     []byte            // KindBinary
	MimeType string            // KindBinary, KindBinaryRef
	BlobHash contextstore.Hash // KindBinaryRef; set on retrieved KindBinary
	Size     int64             // KindBinaryRef; set on retrieved KindBinary
}

// Text returns a text part.
func Text(s string) Part {
	return Part{Kind: KindText, Text: s}
}

// Structured returns a structured part. v must marshal to JSON.
func Structured(v any) Part {
	return Part{Kind: KindStructured, Value: v}
}

// Binary returns a binary part.
func Binary(data []byte, mimeType string) Part {
	return Part{Kind: KindBinary, Data: data, MimeType: mimeType}
}

// Content is the logical value callers store and retrieve.
type Content struct {
	Parts []Part
}

// New returns Content made of parts.
func New(parts ...Part) Content {
	return Content{Parts: parts}
}

// Texts returns the text of every text part, in order.
func (c Content) Texts() []string {
	var out []string
	for _, p := range c.Parts {
		if p.Kind == KindText {
			out = append(out, p.Text)
		}
	}
	return out
}
