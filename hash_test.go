package contextstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 of the empty input
	h := HashBytes([]byte{})
	require.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", h.String())
}

func TestHashShortStringAndDir(t *testing.T) {
	h := HashBytes([]byte("context"))
	require.Len(t, h.ShortString(), 16)
	require.True(t, strings.HasPrefix(h.String(), h.ShortString()))
	require.Len(t, h.Dir(), 2)
	require.True(t, strings.HasPrefix(h.String(), h.Dir()))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte("x")).IsZero())
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte("parse test"))

	parsed, err := ParseHash(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	text, err := original.MarshalText()
	require.NoError(t, err)
	var fromText Hash
	require.NoError(t, fromText.UnmarshalText(text))
	require.Equal(t, original, fromText)
}

func TestParseHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			require.Error(t, err)
		})
	}
}
