// Package spool buffers message content and response bodies whose size is
// not known up front. Data stays in memory until it crosses a threshold, then
// the whole buffer moves to an anonymous temporary file so a single request
// never holds an unbounded amount of content in memory.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultMemoryThreshold is the in-memory limit used when none is configured.
const DefaultMemoryThreshold = 64 * 1024

var ErrClosed = errors.New("spool is closed")

// Spool is an append-only buffer that is read back from the start once
// writing is done. It is not safe for concurrent use.
type Spool struct {
	dir       string
	threshold int

	mem    bytes.Buffer
	file   *os.File
	size   int64
	closed bool

	// OnSpill, if set, is called once when the spool moves to disk.
	OnSpill func()
}

// New creates a spool that spills into dir ("" means os.TempDir) once more
// than threshold bytes have been written. A threshold <= 0 uses
// DefaultMemoryThreshold.
func New(dir string, threshold int) *Spool {
	if threshold <= 0 {
		threshold = DefaultMemoryThreshold
	}
	return &Spool{dir: dir, threshold: threshold}
}

// Write appends p to the spool.
func (s *Spool) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.file == nil && s.mem.Len()+len(p) > s.threshold {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *Spool) spill() error {
	f, err := os.CreateTemp(s.dir, "messageu-spool-*")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("failed to spill to %s: %w", f.Name(), err)
	}
	s.mem = bytes.Buffer{}
	s.file = f
	if s.OnSpill != nil {
		s.OnSpill()
	}
	return nil
}

// Size returns the number of bytes written so far.
func (s *Spool) Size() int64 {
	return s.size
}

// OnDisk reports whether the content has been moved to a temporary file.
func (s *Spool) OnDisk() bool {
	return s.file != nil
}

// Reader returns a reader over everything written so far. Each call starts
// from the beginning.
func (s *Spool) Reader() (io.Reader, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.file != nil {
		return io.NewSectionReader(s.file, 0, s.size), nil
	}
	return bytes.NewReader(s.mem.Bytes()), nil
}

// Close releases the memory buffer and removes the temporary file, if any.
func (s *Spool) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.mem = bytes.Buffer{}
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	return err
}
