// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
)

// errDownloaderEnded signals a pending request that its Cache Downloader
// terminated (successfully or not) while the request was still queued;
// the Cache Stream catches this and resubmits the request against the
// next downloader iteration (or fails it, if the stream itself is done).
var errDownloaderEnded = errors.New("cache downloader ended")

type requestAction int

const (
	actionDefer requestAction = iota
	actionResolved
	actionNeedsFlush
)

type pendingRequest struct {
	start, end int64 // end < 0 means unbounded.
	resultCh   chan pendingResult
}

type pendingResult struct {
	resp StreamResponse
	err  error
}

// cacheDownloader is the Cache Downloader (spec.md §4.3): owns one
// Buffered Sink and one Download Worker for a single attempt at
// downloading sourceURL, and matches incoming requests against download
// progress per the processRequest rules.
type cacheDownloader struct {
	sourceURL string
	files     CacheFiles
	cfg       *Config
	meta      *MetadataFile

	worker    *downloadWorker
	broadcast *downloadBroadcast

	mu                 sync.Mutex
	sink               *bufferedSink
	startPosition      int64
	receivedBytes      int64
	pendingStreamBytes int64
	headers            Headers
	headersKnown       bool
	resuming           bool
	complete           bool
	finished           bool
	closed             bool
	finalErr           error
	pending            []*pendingRequest
}

// newCacheDownloader resolves the resume position from any existing
// partial file and metadata, opens the sink, and constructs (but does not
// start) the download worker. All of this is local filesystem work only.
func newCacheDownloader(sourceURL string, files CacheFiles, cfg *Config) (*cacheDownloader, error) {
	d := &cacheDownloader{
		sourceURL: sourceURL,
		files:     files,
		cfg:       cfg,
		meta:      NewMetadataFile(files.Metadata),
		broadcast: newDownloadBroadcast(),
	}

	startPosition := int64(0)
	if cfg.SaveMetadata {
		if savedURL, headers, ok, err := d.meta.Load(); err == nil && ok && savedURL == sourceURL && headers.CanResumeDownload() {
			if fi, statErr := os.Stat(files.Partial); statErr == nil {
				startPosition = fi.Size()
				d.headers = headers
				d.headersKnown = true
				d.resuming = true
			}
		}
	}

	sink, err := openSink(files.Partial, startPosition)
	if err != nil {
		return nil, err
	}
	d.sink = sink
	warnOnLowDiskSpace(cfg, files.Partial)
	d.startPosition = startPosition
	d.worker = newDownloadWorker(sourceURL, cfg, func() int64 {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.startPosition + d.receivedBytes
	})
	return d, nil
}

// run executes the single download attempt to completion or failure. It
// must be called from exactly one goroutine and blocks until the worker
// terminates.
func (d *cacheDownloader) run(ctx context.Context) error {
	err := d.worker.run(ctx, d.onHeaders, d.onData)
	d.mu.Lock()
	d.finished = true
	d.finalErr = err
	d.mu.Unlock()

	if err == nil {
		err = d.finalize()
	} else {
		_ = d.sink.close(true)
	}
	d.broadcast.close(err)
	d.failPending()
	return err
}

// stop terminates the in-flight download with err (ErrDownloadStopped or
// ErrCacheStreamDisposed), flushing whatever has been received so a later
// resume can continue cleanly.
func (d *cacheDownloader) stop(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.worker.close(err)
}

func (d *cacheDownloader) failPending() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, pr := range pending {
		pr.resultCh <- pendingResult{err: errDownloaderEnded}
	}
}

// onHeaders validates a resumed download against previously saved headers
// and persists the metadata file (best-effort, per spec.md §5: "best
// effort, errors surfaced but not fatal").
func (d *cacheDownloader) onHeaders(next Headers) error {
	d.mu.Lock()
	wasResuming := d.resuming && d.headersKnown
	prev := d.headers
	d.mu.Unlock()

	if wasResuming && !prev.Equivalent(next) {
		return newInvalidCacheError(fmt.Errorf("%w", ErrCacheSourceChanged))
	}

	d.mu.Lock()
	d.headers = next
	d.headersKnown = true
	d.mu.Unlock()

	if d.cfg.HeadersObserver != nil {
		d.cfg.HeadersObserver(next)
	}

	if d.cfg.SaveMetadata {
		if err := d.meta.Save(d.sourceURL, next); err != nil {
			d.cfg.Logger.Warn("cacheDownloader: failed to save metadata", "source", d.sourceURL, "error", err)
		}
	}

	d.mu.Lock()
	d.wakePendingLocked()
	d.mu.Unlock()
	return nil
}

// onData implements the seven-step per-chunk protocol of spec.md §4.3.
func (d *cacheDownloader) onData(chunk []byte) error {
	if err := d.sink.add(chunk); err != nil { // 1. append chunk to sink.
		return err
	}

	bufSize := d.sink.bufferSize()
	if bufSize > d.cfg.MaxBufferSize { // 2. back-pressure: pause, flush, resume.
		d.worker.pause()
		err := d.sink.flush()
		d.worker.resume()
		if err != nil {
			return err
		}
	} else { // 3. opportunistic background flush.
		go func() {
			if err := d.sink.flush(); err != nil {
				d.cfg.Logger.Warn("cacheDownloader: background flush failed", "source", d.sourceURL, "error", err)
			}
		}()
	}

	if d.cfg.Checksum.Algo != "" {
		d.cfg.Checksum.Write(chunk) //nolint:errcheck // hash.Hash.Write never errors.
	}

	d.mu.Lock()
	d.receivedBytes += int64(len(chunk)) // downloadPosition advances first.
	d.pendingStreamBytes = int64(len(chunk))
	downloadPos := d.startPosition + d.receivedBytes
	d.wakePendingLocked() // 5. onPosition: examine waiters before broadcast.
	d.mu.Unlock()

	if d.cfg.BytesObserver != nil {
		d.cfg.BytesObserver(downloadPos)
	}

	d.broadcast.publish(chunk) // 6. publish.

	d.mu.Lock()
	d.pendingStreamBytes = 0 // 7. clear.
	d.mu.Unlock()
	return nil
}

// finalize runs when the worker reports end-of-stream: flush+close the
// sink, validate the observed length, and promote partial to complete.
func (d *cacheDownloader) finalize() error {
	if err := d.sink.close(true); err != nil {
		return err
	}
	fi, err := os.Stat(d.files.Partial)
	if err != nil {
		return fmt.Errorf("stat cache partial file: %w", err)
	}

	d.mu.Lock()
	headers := d.headers
	d.mu.Unlock()

	sourceLength, known := headers.SourceLength()
	observed := fi.Size()
	if known {
		if observed != sourceLength {
			return newInvalidCacheError(ErrInvalidCacheLength)
		}
	} else {
		// Length was unknown a priori: the observed size becomes truth
		// and the persisted headers are corrected to match (spec.md P3).
		headers = withContentLength(headers, observed)
	}

	if d.cfg.Checksum.Algo != "" && !d.cfg.Checksum.Validate() {
		return newInvalidCacheError(ErrChecksumMismatch)
	}

	if err := os.Rename(d.files.Partial, d.files.Complete); err != nil {
		return fmt.Errorf("promote cache file: %w", err)
	}
	d.mu.Lock()
	d.complete = true
	d.headers = headers
	d.mu.Unlock()

	if d.cfg.SaveMetadata {
		if err := d.meta.Save(d.sourceURL, headers); err != nil {
			d.cfg.Logger.Warn("cacheDownloader: failed to save corrected metadata", "source", d.sourceURL, "error", err)
		}
	}
	return nil
}

// request resolves or defers a Stream Request per the processRequest
// rules; it blocks until resolved, ctx is done, or the downloader ends.
func (d *cacheDownloader) request(ctx context.Context, start, end int64) (StreamResponse, error) {
	d.mu.Lock()
	resp, action, err := d.evaluateLocked(start, end)
	if action == actionResolved {
		d.mu.Unlock()
		return resp, err
	}
	if action == actionNeedsFlush {
		d.mu.Unlock()
		return d.flushAndFulfill(start, end)
	}
	pr := &pendingRequest{start: start, end: end, resultCh: make(chan pendingResult, 1)}
	d.pending = append(d.pending, pr)
	d.mu.Unlock()

	select {
	case res := <-pr.resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		d.removePending(pr)
		return nil, ctx.Err()
	}
}

func (d *cacheDownloader) flushAndFulfill(start, end int64) (StreamResponse, error) {
	d.worker.pause()
	ferr := d.sink.flush()
	d.worker.resume()
	if ferr != nil {
		return nil, ferr
	}
	d.mu.Lock()
	resp, action, err := d.evaluateLocked(start, end)
	d.mu.Unlock()
	if action == actionResolved {
		return resp, err
	}
	pr := &pendingRequest{start: start, end: end, resultCh: make(chan pendingResult, 1)}
	d.mu.Lock()
	d.pending = append(d.pending, pr)
	d.mu.Unlock()
	res := <-pr.resultCh
	return res.resp, res.err
}

func (d *cacheDownloader) removePending(target *pendingRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, pr := range d.pending {
		if pr == target {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return
		}
	}
}

// wakePendingLocked re-evaluates every queued request; must be called
// with d.mu held.
func (d *cacheDownloader) wakePendingLocked() {
	remaining := d.pending[:0]
	for _, pr := range d.pending {
		resp, action, err := d.evaluateLocked(pr.start, pr.end)
		switch action {
		case actionResolved:
			pr.resultCh <- pendingResult{resp: resp, err: err}
		case actionNeedsFlush:
			pr := pr
			go func() {
				resp, err := d.flushAndFulfill(pr.start, pr.end)
				pr.resultCh <- pendingResult{resp: resp, err: err}
			}()
		default:
			remaining = append(remaining, pr)
		}
	}
	d.pending = remaining
}

// evaluateLocked implements processRequest (spec.md §4.3); d.mu must be
// held by the caller.
func (d *cacheDownloader) evaluateLocked(start, end int64) (StreamResponse, requestAction, error) {
	if d.finished && d.finalErr != nil {
		return nil, actionResolved, errDownloaderEnded
	}
	downloadPos := d.startPosition + d.receivedBytes
	if start > downloadPos {
		return nil, actionDefer, nil
	}
	if !d.headersKnown {
		return nil, actionDefer, nil
	}

	boundedEnd, boundedKnown := d.resolvedEndLocked(end)
	filePos := d.startPosition + d.sink.flushedLen()
	if boundedKnown && filePos >= boundedEnd {
		resp, err := d.newFileOnlyLocked(start, boundedEnd)
		return resp, actionResolved, err
	}

	if !d.workerActiveLocked() {
		return nil, actionDefer, nil
	}

	streamPos := downloadPos - d.pendingStreamBytes
	if start >= streamPos {
		sub := d.broadcast.subscribe(d.cfg.MaxBufferSize)
		endExclusive := boundedEnd
		if !boundedKnown {
			endExclusive = math.MaxInt64
		}
		return newDownloadOnlyResponse(sub, streamPos, start, endExclusive, boundedKnown), actionResolved, nil
	}
	if filePos == streamPos {
		resp, err := d.newCombinedLocked(start, streamPos, boundedEnd, boundedKnown)
		return resp, actionResolved, err
	}
	return nil, actionNeedsFlush, nil
}

func (d *cacheDownloader) resolvedEndLocked(end int64) (int64, bool) {
	if end >= 0 {
		return end, true
	}
	if sl, ok := d.headers.SourceLength(); ok {
		return sl, true
	}
	return 0, false
}

func (d *cacheDownloader) workerActiveLocked() bool {
	return !d.finished && !d.closed
}

func (d *cacheDownloader) activeFilePathLocked() string {
	if d.complete {
		return d.files.Complete
	}
	return d.files.Partial
}

func (d *cacheDownloader) newFileOnlyLocked(start, end int64) (StreamResponse, error) {
	return newFileOnlyResponse(d.activeFilePathLocked(), start, end)
}

func (d *cacheDownloader) newCombinedLocked(start, streamPos, boundedEnd int64, boundedKnown bool) (StreamResponse, error) {
	file, err := newFileOnlyResponse(d.activeFilePathLocked(), start, streamPos)
	if err != nil {
		return nil, err
	}
	sub := d.broadcast.subscribe(d.cfg.MaxBufferSize)
	endExclusive := boundedEnd
	if !boundedKnown {
		endExclusive = math.MaxInt64
	}
	tail := newDownloadOnlyResponse(sub, streamPos, streamPos, endExclusive, boundedKnown)
	return newCombinedResponse(file, tail), nil
}

func withContentLength(h Headers, length int64) Headers {
	raw := h.Raw()
	out := make(map[string][]string, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out["Content-Length"] = []string{fmt.Sprintf("%d", length)}
	return NewHeaders(out, true)
}
