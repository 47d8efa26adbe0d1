// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"io"
	"sync"
)

// downloadBroadcast is the Download Worker's "broadcast byte stream"
// (spec.md §9): one publisher, N subscribers, each enforcing its own
// maxBufferSize bound rather than the publisher blocking on a slow reader.
// The notify-on-close-and-replace-channel idiom mirrors
// largefile.ByteRanges.Notify / the retryTracker in streaming_downloader.go.
type downloadBroadcast struct {
	mu          sync.Mutex
	subscribers map[*subscription]struct{}
	closed      bool
	closeErr    error
}

func newDownloadBroadcast() *downloadBroadcast {
	return &downloadBroadcast{subscribers: make(map[*subscription]struct{})}
}

// subscribe attaches a new subscription with the given max buffer size. The
// caller must already hold whatever external lock guarantees this call
// happens-before the next publish (Cache Downloader's processing flag).
func (b *downloadBroadcast) subscribe(maxBufferSize int) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{parent: b, maxBuf: maxBufferSize, notifyCh: make(chan struct{})}
	if b.closed {
		s.closed = true
		s.err = b.closeErr
		return s
	}
	b.subscribers[s] = struct{}{}
	return s
}

// publish delivers data to every live subscriber, cancelling any whose
// buffer would exceed its configured maximum.
func (b *downloadBroadcast) publish(data []byte) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(data)
	}
}

// close terminates the broadcast: done (err==nil) or an error. Subscribers
// already blocked in Read wake with io.EOF or err.
func (b *downloadBroadcast) close(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.closeErr = err
	subs := make([]*subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[*subscription]struct{})
	b.mu.Unlock()
	for _, s := range subs {
		s.terminate(err)
	}
}

// subscription is a single reader's view of the broadcast byte stream,
// starting at whatever streamPosition it attached at.
type subscription struct {
	parent *downloadBroadcast

	mu       sync.Mutex
	buf      []byte
	err      error
	closed   bool
	maxBuf   int
	notifyCh chan struct{}
	detached bool
}

func (s *subscription) deliver(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.buf)+len(data) > s.maxBuf {
		s.failLocked(ErrExceededMaxBufferSize)
		return
	}
	s.buf = append(s.buf, data...)
	s.kickLocked()
}

func (s *subscription) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.kickLocked()
}

func (s *subscription) failLocked(err error) {
	s.closed = true
	s.err = err
	s.buf = nil
	s.kickLocked()
	s.detachLocked()
}

func (s *subscription) kickLocked() {
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}

func (s *subscription) detachLocked() {
	if s.detached {
		return
	}
	s.detached = true
	parent := s.parent
	parent.mu.Lock()
	delete(parent.subscribers, s)
	parent.mu.Unlock()
}

// Read implements io.Reader, blocking until data, an error, or closure is
// available.
func (s *subscription) Read(p []byte) (int, error) {
	s.mu.Lock()
	for len(s.buf) == 0 && s.err == nil && !s.closed {
		ch := s.notifyCh
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		s.mu.Unlock()
		return n, nil
	}
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return 0, io.EOF
}

// bufferedLen reports the number of unread bytes currently queued for this
// subscriber; used by the DownloadOnly response to mirror its own
// "buffered until listener attaches" accounting.
func (s *subscription) bufferedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// cancel unsubscribes and discards any buffered bytes. Idempotent: this
// resolves the §9 open question about double-removal of a reader whose
// cancellation races a completion callback.
func (s *subscription) cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.detachOnceCancel()
		return
	}
	s.closed = true
	s.err = ErrStreamResponseCancelled
	s.buf = nil
	s.kickLocked()
	s.mu.Unlock()
	s.detachOnceCancel()
}

func (s *subscription) detachOnceCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked()
}
