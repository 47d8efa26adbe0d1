// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package manager implements the Cache Manager (spec.md §4.7): a
// process-wide registry of Cache Streams keyed by source URL, priority
// admission control between active playback and background pre-caching,
// and trimming of inactive cache files.
package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloudeng.io/errors"
	"cloudeng.io/mediacache/cachestream"
)

const (
	// idlePrecacheConcurrency is the pre-cache concurrency cap restored
	// once active playback drops to zero.
	idlePrecacheConcurrency = 2
	// busyPrecacheConcurrency is the cap while any playback is active:
	// new pre-cache tasks queue, in-flight ones are suspended.
	busyPrecacheConcurrency = 0
)

// Manager is a process-wide Cache Stream registry. The zero value is not
// usable; construct with New.
type Manager struct {
	dir string
	cfg cachestream.Config

	mu      sync.Mutex
	streams map[string]*entry

	admission *admissionControl
}

type entry struct {
	stream   *cachestream.CacheStream
	progress *entryProgress
}

// New creates a Manager rooted at dir, applying cfg as the default
// Cache Stream configuration for every stream it creates.
func New(dir string, cfg cachestream.Config) *Manager {
	return &Manager{
		dir:       dir,
		cfg:       cfg,
		streams:   make(map[string]*entry),
		admission: newAdmissionControl(),
	}
}

// Get returns the Cache Stream for sourceURL, creating and registering
// one if this is the first request for it. The returned stream has
// already been retained; the caller must eventually call Release.
func (m *Manager) Get(sourceURL string) *cachestream.CacheStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.streams[sourceURL]; ok {
		if err := e.stream.Retain(); err == nil {
			return e.stream
		}
		delete(m.streams, sourceURL)
	}
	cfg := m.cfg
	progress := newEntryProgress(0)
	cfg.BytesObserver = progress.observe
	cfg.HeadersObserver = func(h cachestream.Headers) {
		if length, ok := h.SourceLength(); ok {
			progress.setContentLength(length)
		}
	}
	s := cachestream.New(m.dir, sourceURL, cfg)
	m.streams[sourceURL] = &entry{stream: s, progress: progress}
	return s
}

// Progress returns the fraction (in [0, 1]) of sourceURL known to be
// contiguously downloaded from the start, without opening its partial
// file. Returns 0 if sourceURL is not currently registered.
func (m *Manager) Progress(sourceURL string) float64 {
	m.mu.Lock()
	e, ok := m.streams[sourceURL]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return e.progress.fractionComplete()
}

// Release disposes of one retention of the stream for sourceURL.
func (m *Manager) Release(sourceURL string, force bool) {
	m.mu.Lock()
	e, ok := m.streams[sourceURL]
	if ok {
		delete(m.streams, sourceURL)
	}
	m.mu.Unlock()
	if ok {
		e.stream.Dispose(force)
	}
}

// BeginPlayback registers one active playback session, suspending
// background pre-caching if this is the first. spec.md §5 "Priority".
func (m *Manager) BeginPlayback() {
	if m.admission.beginPlayback() {
		m.admission.suspendAll()
	}
}

// EndPlayback unregisters one active playback session, resuming
// background pre-caching once the count reaches zero.
func (m *Manager) EndPlayback() {
	if m.admission.endPlayback() {
		m.admission.resumeAll()
	}
}

// PreCacheURL creates (or reuses) a stream for url, downloads it subject
// to pre-cache admission control, then disposes its retention. spec.md
// §4.7: "creates a stream, awaits download(), disposes."
func (m *Manager) PreCacheURL(ctx context.Context, url string) error {
	if err := m.admission.acquirePrecacheSlot(ctx); err != nil {
		return err
	}
	defer m.admission.releasePrecacheSlot()

	s := m.Get(url)
	defer m.Release(url, false)

	m.admission.track(s)
	defer m.admission.untrack(s)

	_, err := s.Download(ctx)
	return err
}

// DeleteCache walks the cache directory, deleting files not claimed by
// any live (registered) stream. When partialOnly is true, only .part
// files and orphaned .metadata files (whose complete file is gone) are
// removed. spec.md §4.7.
func (m *Manager) DeleteCache(partialOnly bool) error {
	_, err := m.walkAndDelete(partialOnly)
	return err
}

// ClearAllCache deletes every cache file not claimed by a live stream,
// returning the number of files removed and any per-file errors collected
// along the way. This resolves spec.md §9's "clearAllCache ... logs a
// warning instead of acting" ambiguity: callers may rely on ClearAllCache
// actually deleting every file it can safely claim, never silently
// no-op'ing (see DESIGN.md).
func (m *Manager) ClearAllCache() (removed int, err error) {
	return m.walkAndDelete(false)
}

// claimAbs records path as claimed under its absolute form, matching the
// absolute paths walkAndDelete compares against; a stream built with a
// relative cache dir must still be recognized as claiming its own files.
func claimAbs(claimed map[string]bool, path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	claimed[abs] = true
}

func (m *Manager) walkAndDelete(partialOnly bool) (removed int, err error) {
	m.mu.Lock()
	claimed := make(map[string]bool, len(m.streams)*3)
	for _, e := range m.streams {
		f := e.stream.Files()
		claimAbs(claimed, f.Complete)
		claimAbs(claimed, f.Partial)
		claimAbs(claimed, f.Metadata)
	}
	m.mu.Unlock()

	var merr errors.M
	walkErr := filepath.WalkDir(m.dir, func(path string, d os.DirEntry, werr error) error {
		if werr != nil {
			merr.Append(werr)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			abs = path
		}
		if claimed[abs] {
			return nil
		}
		remove := !partialOnly
		if partialOnly {
			if strings.HasSuffix(path, ".part") {
				remove = true
			} else if strings.HasSuffix(path, ".metadata") {
				complete := strings.TrimSuffix(path, ".metadata")
				if _, statErr := os.Stat(complete); os.IsNotExist(statErr) {
					remove = true
				}
			}
		}
		if !remove {
			return nil
		}
		if rerr := os.Remove(path); rerr != nil {
			merr.Append(rerr)
			return nil
		}
		removed++
		return nil
	})
	if walkErr != nil {
		merr.Append(walkErr)
	}
	return removed, merr.Err()
}
