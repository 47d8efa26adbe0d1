// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// CacheStream is the Cache Stream (spec.md §4.5): the public handle
// binding one origin URL to its on-disk cache files, the download loop
// that fills them, and every reader currently attached.
type CacheStream struct {
	sourceURL string
	files     CacheFiles
	cfg       Config
	meta      *MetadataFile

	mu              sync.Mutex
	retain          int
	disposed        bool
	validating      bool
	validateCond    *sync.Cond
	loopStarted     bool
	loopDoneCh      chan struct{}
	loopComplete    bool
	loopErr         error
	active          *cacheDownloader
	activeChangedCh chan struct{}
	headers         Headers
	headersKnown    bool

	progressMu sync.Mutex
	progressCh chan float64
	lastErr    error
}

// New creates a CacheStream for sourceURL rooted at dir, with retain
// count 1. The caller must eventually call Dispose.
func New(dir, sourceURL string, cfg Config) *CacheStream {
	files := NewCacheFiles(dir, sourceURL)
	s := &CacheStream{
		sourceURL:  sourceURL,
		files:      files,
		cfg:        cfg,
		meta:       NewMetadataFile(files.Metadata),
		retain:     1,
		progressCh: make(chan float64, 8),
	}
	s.validateCond = sync.NewCond(&s.mu)
	s.activeChangedCh = make(chan struct{})
	observer := cfg.HeadersObserver
	s.cfg.HeadersObserver = func(h Headers) {
		s.mu.Lock()
		s.headers, s.headersKnown = h, true
		s.mu.Unlock()
		if observer != nil {
			observer(h)
		}
	}
	if _, err := os.Stat(s.files.Complete); err == nil {
		s.loopComplete = true
		s.loopDoneCh = make(chan struct{})
		close(s.loopDoneCh)
	}
	return s
}

// Files returns the on-disk file triple for this stream.
func (s *CacheStream) Files() CacheFiles { return s.files }

// SourceLength returns the origin's content length, if known. It is not
// known until the first successful connection to the origin (or a prior
// run's cached metadata) has reported one.
func (s *CacheStream) SourceLength() (int64, bool) {
	s.mu.Lock()
	headers, headersKnown := s.headers, s.headersKnown
	s.mu.Unlock()
	if !headersKnown {
		return 0, false
	}
	return headers.SourceLength()
}

// CachedHeaders returns the origin response headers recorded for this
// stream so far (spec.md §6 copyCachedResponseHeaders), and whether any
// have been observed yet.
func (s *CacheStream) CachedHeaders() (Headers, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers, s.headersKnown
}

// ResponseHeaderConfig returns the copyCachedResponseHeaders flag and the
// configured response header overrides (spec.md §6), for a caller writing
// the proxy's HTTP response.
func (s *CacheStream) ResponseHeaderConfig() (copyCached bool, overrides http.Header) {
	return s.cfg.CopyCachedResponseHeaders, s.cfg.ResponseHeaders
}

// Retain increments the retain count; illegal after disposal.
func (s *CacheStream) Retain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrCacheStreamDisposed
	}
	s.retain++
	return nil
}

// ProgressStream returns the broadcast progress channel: values in [0,
// 1], rounded to two decimals, with 1.0 emitted only once the complete
// file exists.
func (s *CacheStream) ProgressStream() <-chan float64 { return s.progressCh }

// LastError returns the most recently published error, if any.
func (s *CacheStream) LastError() error {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	return s.lastErr
}

func (s *CacheStream) publishErr(err error) {
	s.progressMu.Lock()
	s.lastErr = err
	s.progressMu.Unlock()
}

func (s *CacheStream) publishProgress(frac float64) {
	rounded := float64(int(frac*100+0.5)) / 100
	if rounded > 0.99 && frac < 1 {
		rounded = 0.99
	}
	select {
	case s.progressCh <- rounded:
	default:
	}
}

// Download idempotently starts the Cache Downloader loop and blocks until
// the complete file exists or the stream stops/is disposed.
func (s *CacheStream) Download(ctx context.Context) (string, error) {
	s.ensureDownloading()
	s.mu.Lock()
	doneCh := s.loopDoneCh
	s.mu.Unlock()
	if doneCh == nil {
		// Disposed before any download loop was started.
		return "", ErrCacheStreamDisposed
	}

	select {
	case <-doneCh:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopComplete {
		return s.files.Complete, nil
	}
	if s.loopErr != nil {
		return "", s.loopErr
	}
	return "", ErrDownloadStopped
}

func (s *CacheStream) ensureDownloading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopStarted || s.disposed || s.loopComplete {
		return
	}
	s.loopStarted = true
	s.loopDoneCh = make(chan struct{})
	go s.downloadLoop(context.Background())
}

func (s *CacheStream) downloadLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			s.finishLoop(false, ErrCacheStreamDisposed)
			return
		}
		if s.retain <= 0 {
			s.mu.Unlock()
			s.finishLoop(false, ErrDownloadStopped)
			return
		}
		s.mu.Unlock()

		cd, err := newCacheDownloader(s.sourceURL, s.files, &s.cfg)
		if err != nil {
			s.publishErr(err)
			s.finishLoop(false, err)
			return
		}
		s.setActive(cd)

		err = cd.run(ctx)

		if err == nil {
			// cd is retained as the active downloader for CompletionLinger
			// rather than cleared in the same instant as completion: its
			// broadcast and pending-request bookkeeping stay valid for that
			// window instead of being torn down the moment loopComplete
			// flips (spec.md §9's deferred-cleanup race).
			s.lingerThenClearActive(cd)
			s.finishLoop(true, nil)
			return
		}
		s.setActive(nil)
		if ctx.Err() != nil {
			s.finishLoop(false, ctx.Err())
			return
		}
		s.publishErr(err)

		if isInvalidCache(err) {
			if rerr := s.ResetCache(); rerr != nil {
				s.cfg.Logger.Warn("cacheStream: reset after invalid cache failed", "source", s.sourceURL, "error", rerr)
			}
			s.mu.Lock()
			keepGoing := s.retain > 0 && !s.disposed
			s.mu.Unlock()
			if !keepGoing {
				s.finishLoop(false, err)
				return
			}
			continue
		}

		select {
		case <-time.After(defaultRetryBackoff):
		case <-ctx.Done():
			s.finishLoop(false, ctx.Err())
			return
		}
	}
}

func (s *CacheStream) setActive(cd *cacheDownloader) {
	var headers Headers
	var headersKnown bool
	if cd != nil {
		cd.mu.Lock()
		headers, headersKnown = cd.headers, cd.headersKnown
		cd.mu.Unlock()
	}
	s.mu.Lock()
	s.active = cd
	ch := s.activeChangedCh
	s.activeChangedCh = make(chan struct{})
	if cd != nil {
		s.headers, s.headersKnown = headers, headersKnown
	}
	s.mu.Unlock()
	close(ch)
}

// lingerThenClearActive keeps cd (already finished successfully) as the
// stream's active downloader for cfg.CompletionLinger before detaching it,
// instead of discarding it in the same instant completion is observed
// (spec.md §9's deferred-cleanup race). A zero CompletionLinger detaches
// immediately.
func (s *CacheStream) lingerThenClearActive(cd *cacheDownloader) {
	if s.cfg.CompletionLinger <= 0 {
		s.setActive(nil)
		return
	}
	go func() {
		timer := time.NewTimer(s.cfg.CompletionLinger)
		defer timer.Stop()
		<-timer.C
		s.mu.Lock()
		stillCurrent := s.active == cd
		s.mu.Unlock()
		if stillCurrent {
			s.setActive(nil)
		}
	}()
}

func (s *CacheStream) finishLoop(complete bool, err error) {
	s.mu.Lock()
	s.loopComplete = complete
	s.loopErr = err
	s.loopStarted = false
	doneCh := s.loopDoneCh
	s.mu.Unlock()
	if complete {
		s.publishProgress(1.0)
	}
	close(doneCh)
}

// Request awaits any in-flight validation, validates the requested range,
// and returns a StreamResponse: FileOnly when already fully cached, a
// SplitRangeDownload for a far seek, or a response dispatched against the
// running Cache Downloader. end < 0 means "to end of source".
func (s *CacheStream) Request(ctx context.Context, start, end int64) (StreamResponse, error) {
	s.awaitValidation()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrCacheStreamDisposed
	}
	headers, headersKnown, complete := s.headers, s.headersKnown, s.loopComplete
	s.mu.Unlock()

	if headersKnown {
		if sl, ok := headers.SourceLength(); ok {
			inclusiveEnd := end
			if inclusiveEnd >= 0 {
				inclusiveEnd--
			}
			if err := (IntRange{Start: start, End: inclusiveEnd}).Validate(sl, true); err != nil {
				return nil, err
			}
		}
	}

	if complete {
		resolvedEnd := end
		if resolvedEnd < 0 {
			if sl, ok := headers.SourceLength(); ok {
				resolvedEnd = sl
			} else if fi, err := os.Stat(s.files.Complete); err == nil {
				resolvedEnd = fi.Size()
			}
		}
		return newFileOnlyResponse(s.files.Complete, start, resolvedEnd)
	}

	if s.cfg.SplitThresholdEnabled {
		s.mu.Lock()
		cachePos := int64(0)
		if s.active != nil {
			s.active.mu.Lock()
			cachePos = s.active.startPosition + s.active.receivedBytes
			s.active.mu.Unlock()
		}
		s.mu.Unlock()
		if start-cachePos > s.cfg.RangeRequestSplitThreshold {
			inclusiveEnd := end
			if inclusiveEnd < 0 {
				if sl, ok := headers.SourceLength(); ok {
					inclusiveEnd = sl - 1
				}
			} else {
				inclusiveEnd--
			}
			// A split-range GET must send a concrete end on the wire; when
			// the source length is still unknown, fall through to the
			// shared downloader instead of sending a malformed Range
			// header.
			if inclusiveEnd >= 0 {
				reqHeaders := effectiveRequestHeaders(s.cfg.RequestHeaders, make(http.Header), s.cfg.UseGlobalHeaders)
				return newSplitRangeDownloadResponse(ctx, s.cfg.HTTPClient, s.sourceURL, reqHeaders, start, inclusiveEnd, s.cfg.MinChunkSize)
			}
		}
	}

	s.ensureDownloading()
	return s.dispatch(ctx, start, end)
}

func (s *CacheStream) dispatch(ctx context.Context, start, end int64) (StreamResponse, error) {
	for {
		s.mu.Lock()
		active := s.active
		changedCh := s.activeChangedCh
		loopDoneCh := s.loopDoneCh
		s.mu.Unlock()

		if active != nil {
			resp, err := active.request(ctx, start, end)
			if err == nil || !errors.Is(err, errDownloaderEnded) {
				return resp, err
			}
		}

		select {
		case <-changedCh:
			continue
		case <-loopDoneCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		s.mu.Lock()
		complete, lerr, started := s.loopComplete, s.loopErr, s.loopStarted
		s.mu.Unlock()
		if started {
			continue
		}
		if complete {
			return s.Request(ctx, start, end)
		}
		if lerr != nil {
			return nil, lerr
		}
		return nil, ErrDownloadStopped
	}
}

func (s *CacheStream) awaitValidation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.validating {
		s.validateCond.Wait()
	}
}

// ValidateCache HEAD-validates the origin against saved headers when not
// currently downloading and a complete cache file exists. Returns nil if
// validation was skipped (download in progress, no cache file yet, or not
// forced and the saved headers are not yet due for revalidation).
func (s *CacheStream) ValidateCache(ctx context.Context, force, resetInvalid bool) (*bool, error) {
	s.mu.Lock()
	if s.loopStarted {
		s.mu.Unlock()
		return nil, nil
	}
	if _, err := os.Stat(s.files.Complete); err != nil {
		s.mu.Unlock()
		return nil, nil
	}
	prevHeaders := s.headers
	s.validating = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.validating = false
		s.validateCond.Broadcast()
		s.mu.Unlock()
	}()

	if !force && !prevHeaders.ShouldRevalidate(time.Now()) {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.sourceURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range s.cfg.RequestHeaders {
		req.Header[k] = v
	}
	client := s.cfg.HTTPClient
	if client.Timeout == 0 {
		c := *client
		c.Timeout = s.cfg.ValidationTimeout
		client = &c
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, newNetworkError(err)
	}
	defer resp.Body.Close()
	nextHeaders := NewHeaders(resp.Header, s.cfg.SaveAllHeaders)

	equal := prevHeaders.Equivalent(nextHeaders)
	if !equal && resetInvalid {
		if err := s.ResetCache(); err != nil {
			return nil, err
		}
	}
	return &equal, nil
}

// Suspend pauses the active Download Worker, if any, without cancelling
// the Cache Downloader. Used by a process-wide admission controller to
// deprioritize background pre-caching while playback is active.
func (s *CacheStream) Suspend() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.worker.pause()
	}
}

// Resume un-pauses a previously Suspended Download Worker.
func (s *CacheStream) Resume() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.worker.resume()
	}
}

// ResetCache stops any active downloader with ErrCacheReset (its
// subscribers' reads return that error), drops headers, and deletes the
// partial, complete and metadata files. It does not start a download
// itself: a running download loop retries after its backoff, and queued
// requests are not re-dispatched by ResetCache.
func (s *CacheStream) ResetCache() error {
	s.mu.Lock()
	active := s.active
	s.headers = Headers{}
	s.headersKnown = false
	s.loopComplete = false
	s.mu.Unlock()

	if active != nil {
		active.stop(ErrCacheReset)
	}
	if err := os.Remove(s.files.Partial); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset cache: remove partial: %w", err)
	}
	if err := os.Remove(s.files.Complete); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset cache: remove complete: %w", err)
	}
	return s.meta.Delete()
}

// Dispose decrements the retain count; at zero it cancels the downloader
// (allowing a clean flush), closes the progress channel, and deletes
// partial/metadata per config. force disposes immediately regardless of
// retain count. Idempotent (spec.md P5): the retain count is clamped at
// zero and a second call is a no-op.
func (s *CacheStream) Dispose(force bool) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if s.retain > 0 {
		s.retain--
	}
	if s.retain > 0 && !force {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	active := s.active
	s.mu.Unlock()

	if active != nil {
		active.stop(ErrCacheStreamDisposed)
	}
	if !s.cfg.SavePartialCache {
		_ = os.Remove(s.files.Partial)
		_ = s.meta.Delete()
	} else if !s.cfg.SaveMetadata {
		_ = s.meta.Delete()
	}
	s.progressMu.Lock()
	close(s.progressCh)
	s.progressMu.Unlock()
}
