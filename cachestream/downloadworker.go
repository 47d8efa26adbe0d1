// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// rangeProvider returns the byte offset the worker should (re)connect at,
// queried fresh on every GET so a reconnect after a dropped read resumes
// from downloadPosition rather than replaying from the start.
type rangeProvider func() int64

// downloadWorker is the Download Worker (spec.md §4.2): a single sequential
// origin GET, pausable and resumable, emitting coalesced chunks upward.
// Modeled on largefile.downloader's retry/backoff/logging idiom, but the
// teacher's concurrent block-range fetcher has no analogue here — the
// spec calls for one cooperative, pausable stream, not a fetcher pool.
type downloadWorker struct {
	sourceURL string
	cfg       *Config
	ranges    rangeProvider

	mu        sync.Mutex
	pauseCond *sync.Cond
	paused    bool
	closed    bool
	closeErr  error
}

func newDownloadWorker(sourceURL string, cfg *Config, ranges rangeProvider) *downloadWorker {
	w := &downloadWorker{sourceURL: sourceURL, cfg: cfg, ranges: ranges}
	w.pauseCond = sync.NewCond(&w.mu)
	return w
}

// pause suspends the read loop before its next chunk read; the in-flight
// HTTP response is left open.
func (w *downloadWorker) pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// resume wakes a paused read loop.
func (w *downloadWorker) resume() {
	w.mu.Lock()
	w.paused = false
	w.pauseCond.Broadcast()
	w.mu.Unlock()
}

// close terminates the worker with err (ErrDownloadStopped or
// ErrCacheStreamDisposed); idempotent.
func (w *downloadWorker) close(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.closeErr = err
	w.pauseCond.Broadcast()
}

func (w *downloadWorker) isClosed() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed, w.closeErr
}

// waitWhilePaused blocks the read loop while paused, returning promptly if
// the worker is closed meanwhile.
func (w *downloadWorker) waitWhilePaused() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.paused && !w.closed {
		w.pauseCond.Wait()
	}
	if w.closed {
		return w.closeErr
	}
	return nil
}

// run drives the worker until the body reaches EOF (done), the worker is
// closed, or a non-retryable error occurs. onHeaders is invoked once per
// successful connection; onData is invoked with each coalesced chunk >=
// cfg.MinChunkSize (the final chunk before EOF may be shorter).
func (w *downloadWorker) run(ctx context.Context, onHeaders func(Headers) error, onData func([]byte) error) error {
	for {
		if closed, err := w.isClosed(); closed {
			return err
		}
		if err := w.waitWhilePaused(); err != nil {
			return err
		}
		err := w.runOnce(ctx, onHeaders, onData)
		if err == nil {
			return nil
		}
		if closed, cerr := w.isClosed(); closed {
			return cerr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isTerminal(err) {
			return err
		}
		w.cfg.Logger.Info("downloadWorker: retrying after error", "source", w.sourceURL, "error", err)
		select {
		case <-time.After(defaultRetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isTerminal reports whether err must propagate rather than be retried:
// cache-consistency errors (trigger resetCache) and HTTP-range protocol
// mismatches (spec.md §7 groups both as non-retryable).
func isTerminal(err error) bool {
	return isInvalidCache(err) || isHTTPRangeError(err)
}

func (w *downloadWorker) runOnce(ctx context.Context, onHeaders func(Headers) error, onData func([]byte) error) error {
	startPos := w.ranges()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.sourceURL, nil)
	if err != nil {
		return newNetworkError(err)
	}
	for k, v := range w.cfg.RequestHeaders {
		req.Header[k] = v
	}
	req.Header.Set("Accept-Encoding", "identity")
	if startPos > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startPos))
	}

	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return newNetworkError(fmt.Errorf("origin request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := validateRangeResponse(resp, startPos); err != nil {
		return err
	}

	headers := NewHeaders(resp.Header, w.cfg.SaveAllHeaders)
	if err := onHeaders(headers); err != nil {
		return err
	}

	return w.readBody(ctx, resp.Body, onData)
}

// validateRangeResponse enforces spec.md §4.2: 200 is only valid for a
// from-scratch GET; 206 must echo back the requested start. Any mismatch
// is ErrHTTPRange, which is terminal.
func validateRangeResponse(resp *http.Response, startPos int64) error {
	switch resp.StatusCode {
	case http.StatusOK:
		if startPos > 0 {
			return fmt.Errorf("%w: expected 206 for range request, got 200", ErrHTTPRange)
		}
		return nil
	case http.StatusPartialContent:
		if startPos == 0 {
			return nil
		}
		cr := resp.Header.Get("Content-Range")
		var gotStart int64
		if _, err := fmt.Sscanf(cr, "bytes %d-", &gotStart); err != nil || gotStart != startPos {
			return fmt.Errorf("%w: requested start %d, got Content-Range %q", ErrHTTPRange, startPos, cr)
		}
		return nil
	default:
		return newNetworkError(fmt.Errorf("unexpected origin status %d", resp.StatusCode))
	}
}

func isHTTPRangeError(err error) bool { return errors.Is(err, ErrHTTPRange) }

func isInvalidCache(err error) bool { return errors.Is(err, ErrInvalidCache) }

// readBody reads resp.Body, coalescing into chunks of at least
// cfg.MinChunkSize before invoking onData, honoring pause/resume and a
// read timeout that resets on every chunk and on pause/resume.
func (w *downloadWorker) readBody(ctx context.Context, body io.ReadCloser, onData func([]byte) error) error {
	buf := make([]byte, 32*1024)
	pending := make([]byte, 0, w.cfg.MinChunkSize)

	for {
		if err := w.waitWhilePaused(); err != nil {
			closeAndDiscard(body)
			return err
		}

		n, readErr := readWithTimeout(ctx, body, buf, w.cfg.ReadTimeout)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if len(pending) >= w.cfg.MinChunkSize {
				if err := onData(pending); err != nil {
					closeAndDiscard(body)
					return err
				}
				pending = make([]byte, 0, w.cfg.MinChunkSize)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if len(pending) > 0 {
					if err := onData(pending); err != nil {
						return err
					}
				}
				return nil
			}
			closeAndDiscard(body)
			if readErr == errReadTimeout {
				return newNetworkError(ErrReadTimedOut)
			}
			return newNetworkError(readErr)
		}
	}
}

func closeAndDiscard(body io.ReadCloser) { _ = body.Close() }

var errReadTimeout = fmt.Errorf("cachestream: %w", ErrReadTimedOut)

// readWithTimeout reads once from r, returning errReadTimeout if no bytes
// and no error arrive within timeout. A reader goroutine is used since
// io.Reader exposes no deadline; the goroutine is abandoned (it will
// unblock and exit once the underlying body is closed by the caller).
func readWithTimeout(ctx context.Context, r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.Read(buf)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(timeout):
		return 0, errReadTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
