// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package manager

import (
	"context"
	"sync"

	"cloudeng.io/mediacache/cachestream"
)

// admissionControl implements spec.md §5's "Priority" rule: whenever
// active playback count > 0, pre-cache concurrency is pinned at 0 (new
// tasks queue, in-flight ones are suspended); at zero playback it
// relaxes to idlePrecacheConcurrency and suspended tasks resume.
type admissionControl struct {
	mu sync.Mutex
	// notify is closed and replaced under mu whenever precacheCap or
	// precacheInUse may have changed, waking every acquirePrecacheSlot
	// caller parked on it to re-check the condition — the same
	// close-and-replace idiom broadcast.go uses to wake subscribers,
	// applied here so the wait is select-able against ctx.Done.
	notify         chan struct{}
	activePlayback int
	precacheCap    int
	precacheInUse  int
	tracked        map[*cachestream.CacheStream]bool
}

func newAdmissionControl() *admissionControl {
	return &admissionControl{
		precacheCap: idlePrecacheConcurrency,
		tracked:     make(map[*cachestream.CacheStream]bool),
		notify:      make(chan struct{}),
	}
}

// wakeLocked wakes every goroutine parked in acquirePrecacheSlot. Must be
// called with a.mu held.
func (a *admissionControl) wakeLocked() {
	close(a.notify)
	a.notify = make(chan struct{})
}

// beginPlayback registers one playback session and reports whether it is
// the first (i.e. the caller must suspend pre-caching).
func (a *admissionControl) beginPlayback() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activePlayback++
	if a.activePlayback == 1 {
		a.precacheCap = busyPrecacheConcurrency
		return true
	}
	return false
}

// endPlayback unregisters one playback session and reports whether it
// was the last (i.e. the caller must resume pre-caching).
func (a *admissionControl) endPlayback() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activePlayback > 0 {
		a.activePlayback--
	}
	if a.activePlayback == 0 {
		a.precacheCap = idlePrecacheConcurrency
		a.wakeLocked()
		return true
	}
	return false
}

// acquirePrecacheSlot blocks until a pre-cache concurrency slot is
// available (cap > in-use) or ctx is cancelled.
func (a *admissionControl) acquirePrecacheSlot(ctx context.Context) error {
	for {
		a.mu.Lock()
		if a.precacheInUse < a.precacheCap {
			a.precacheInUse++
			a.mu.Unlock()
			return nil
		}
		notify := a.notify
		a.mu.Unlock()
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *admissionControl) releasePrecacheSlot() {
	a.mu.Lock()
	a.precacheInUse--
	a.wakeLocked()
	a.mu.Unlock()
}

// track registers s as an in-flight pre-cache stream so suspendAll/
// resumeAll can reach it.
func (a *admissionControl) track(s *cachestream.CacheStream) {
	a.mu.Lock()
	a.tracked[s] = true
	a.mu.Unlock()
}

func (a *admissionControl) untrack(s *cachestream.CacheStream) {
	a.mu.Lock()
	delete(a.tracked, s)
	a.mu.Unlock()
}

func (a *admissionControl) suspendAll() {
	a.mu.Lock()
	streams := make([]*cachestream.CacheStream, 0, len(a.tracked))
	for s := range a.tracked {
		streams = append(streams, s)
	}
	a.mu.Unlock()
	for _, s := range streams {
		s.Suspend()
	}
}

func (a *admissionControl) resumeAll() {
	a.mu.Lock()
	streams := make([]*cachestream.CacheStream, 0, len(a.tracked))
	for s := range a.tracked {
		streams = append(streams, s)
	}
	a.mu.Unlock()
	for _, s := range streams {
		s.Resume()
	}
}
