// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// bufPool mirrors largefile.downloader's sync.Pool of *bytes.Buffer: the
// sink accumulates incoming chunks into a pooled buffer between flushes
// instead of allocating per-chunk.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// bufferedSink is the Buffered Sink (spec.md §4.1): it owns the on-disk
// partial file, accepts appended bytes, and coalesces concurrent flush
// calls onto a single pending write.
type bufferedSink struct {
	mu           sync.Mutex
	file         *os.File
	builder      *bytes.Buffer
	flushedBytes int64
	closed       bool
	flushCond    *sync.Cond
	flushing     bool
}

// openSink opens path for writing: truncating when startOffset is 0,
// appending (seeking to startOffset) when resuming a partial download.
func openSink(path string, startOffset int64) (*bufferedSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	flag := os.O_CREATE | os.O_WRONLY
	if startOffset == 0 {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open cache partial file: %w", err)
	}
	if startOffset > 0 {
		if _, err := f.Seek(startOffset, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek cache partial file: %w", err)
		}
	}
	s := &bufferedSink{
		file:    f,
		builder: bufPool.Get().(*bytes.Buffer),
	}
	s.builder.Reset()
	s.flushCond = sync.NewCond(&s.mu)
	return s, nil
}

// add appends data to the in-memory builder without touching disk.
func (s *bufferedSink) add(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrCacheStreamDisposed
	}
	s.builder.Write(data)
	return nil
}

// bufferSize returns the number of bytes accumulated but not yet flushed.
func (s *bufferedSink) bufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builder.Len()
}

// flushedLen returns the number of bytes this sink has written to disk,
// relative to its startOffset (i.e. not including startOffset).
func (s *bufferedSink) flushedLen() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushedBytes
}

// flush drains the builder to disk. Concurrent callers are serialized: a
// caller arriving while a write is in flight waits for it, then writes
// whatever has accumulated since, or returns nil if nothing has.
func (s *bufferedSink) flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrCacheStreamDisposed
	}
	for s.flushing {
		s.flushCond.Wait()
	}
	if s.builder.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	s.flushing = true
	pending := s.builder
	s.builder = bufPool.Get().(*bytes.Buffer)
	s.builder.Reset()
	s.mu.Unlock()

	n, err := s.file.Write(pending.Bytes())
	pending.Reset()
	bufPool.Put(pending)

	s.mu.Lock()
	s.flushedBytes += int64(n)
	s.flushing = false
	s.flushCond.Broadcast()
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write cache partial file: %w", err)
	}
	return nil
}

// close flushes (when flushBuffer is true) and closes the underlying file.
// Idempotent: a second call is a no-op returning nil.
func (s *bufferedSink) close(flushBuffer bool) error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	if flushBuffer {
		if err := s.flush(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	b := s.builder
	s.builder = nil
	s.mu.Unlock()
	if b != nil {
		b.Reset()
		bufPool.Put(b)
	}
	return s.file.Close()
}
