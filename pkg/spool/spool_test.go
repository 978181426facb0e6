package spool

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSpoolStaysInMemoryBelowThreshold(t *testing.T) {
	s := New(t.TempDir(), 16)
	defer s.Close()

	_, err := s.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)

	assert.False(t, s.OnDisk())
	assert.Equal(t, int64(16), s.Size())

	r, err := s.Reader()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", string(got))
}

func TestSpoolSpillsAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 8)

	spilled := 0
	s.OnSpill = func() { spilled++ }

	_, err := s.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = s.Write([]byte("world"))
	require.NoError(t, err)
	_, err = s.Write([]byte("!"))
	require.NoError(t, err)

	assert.True(t, s.OnDisk())
	assert.Equal(t, 1, spilled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Readers always start from the beginning
	for i := 0; i < 2; i++ {
		r, err := s.Reader()
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "hello world!", string(got))
	}

	require.NoError(t, s.Close())
	_, err = os.Stat(filepath.Join(dir, entries[0].Name()))
	assert.True(t, os.IsNotExist(err), "spool file should be removed on close")

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Reader()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSpoolPreservesContent(t *testing.T) {
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 512).Draw(t, "threshold")
		writes := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 300), 0, 10).Draw(t, "writes")

		s := New(dir, threshold)
		defer s.Close()

		var want bytes.Buffer
		for _, w := range writes {
			if _, err := s.Write(w); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			want.Write(w)
		}

		if s.Size() != int64(want.Len()) {
			t.Fatalf("size %d, want %d", s.Size(), want.Len())
		}
		if want.Len() > threshold && !s.OnDisk() {
			t.Fatalf("%d bytes over threshold %d should be on disk", want.Len(), threshold)
		}

		r, err := s.Reader()
		if err != nil {
			t.Fatalf("reader failed: %v", err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if !bytes.Equal(got, want.Bytes()) {
			t.Fatalf("content mismatch")
		}
	})
}
