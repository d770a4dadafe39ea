package envelope

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecCompress(t *testing.T) {
	codec, err := NewCodec(0)
	require.NoError(t, err)
	defer codec.Close()

	_, ok := codec.Compress("small")
	require.False(t, ok)

	text := strings.Repeat("context window ", 1000)
	z, ok := codec.Compress(text)
	require.True(t, ok)
	require.Less(t, len(z), len(text))

	got, err := codec.Decompress(z)
	require.NoError(t, err)
	require.Equal(t, text, got)
}

func TestCodecDecompressGarbage(t *testing.T) {
	codec, err := NewCodec(0)
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.Decompress([]byte("not zstd"))
	require.Error(t, err)
}

func TestCodecClosed(t *testing.T) {
	codec, err := NewCodec(0)
	require.NoError(t, err)
	codec.Close()

	_, ok := codec.Compress(strings.Repeat("a", 4096))
	require.False(t, ok)

	_, err = codec.Decompress([]byte{1})
	require.Error(t, err)
}
