package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type closeCounter struct {
	io.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestCountingReadCloserReportsOnce(t *testing.T) {
	inner := &closeCounter{Reader: strings.NewReader("twelve bytes")}
	var reports []int64
	rc := &countingReadCloser{
		countingReader: countingReader{r: inner},
		closer:         inner,
		done:           func(n int64) { reports = append(reports, n) },
	}

	_, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())

	require.Equal(t, []int64{12}, reports)
	require.Equal(t, 2, inner.closes)
}

func TestInstrumentedBackendUnwrap(t *testing.T) {
	fs := newTestFilesystem(t)
	ib := NewInstrumentedBackend(fs, "filesystem")
	require.Same(t, Backend(fs), ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{ErrNotFound, "not_found"},
		{fmt.Errorf("wrap: %w", ErrNotFound), "not_found"},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), "timeout"},
		{context.Canceled, "timeout"},
		{errors.New("some other error"), "error"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, outcomeFromError(tt.err), "error %v", tt.err)
	}
}
