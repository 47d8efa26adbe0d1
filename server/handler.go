// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"cloudeng.io/logging/ctxlog"
	"cloudeng.io/mediacache/cachestream"
)

// ServeHTTP implements the Request Handler (spec.md §4.6 / §6): only GET
// is allowed, Range is parsed (positive ranges only), the request is
// dispatched to the matching Cache Stream, and the response is written
// with a socket-level write timeout.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := ctxlog.WithAttributes(ctxlog.WithLogger(r.Context(), s.cfg.Logger), "path", r.URL.Path)

	if r.Method != http.MethodGet {
		ctxlog.Warn(ctx, "mediacache/server: rejected non-GET request", "method", r.Method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rs, ok := s.lookup(r.URL.Path, r.URL.RawQuery)
	if !ok {
		ctxlog.Warn(ctx, "mediacache/server: no registered source for request")
		http.Error(w, "no matching cache stream", http.StatusServiceUnavailable)
		return
	}
	ctx = ctxlog.WithAttributes(ctx, "sourceURL", rs.sourceURL)

	reqRange, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		ctxlog.Warn(ctx, "mediacache/server: malformed Range header", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	start, endExclusive := int64(0), int64(-1)
	hasRange := reqRange != nil
	if hasRange {
		start = reqRange.start
		if reqRange.end >= 0 {
			endExclusive = reqRange.end + 1
		}
	}

	resp, err := rs.stream.Request(ctx, start, endExclusive)
	if err != nil {
		ctxlog.Error(ctx, "mediacache/server: dispatch failed", "err", err)
		s.writeRequestError(w, err)
		return
	}
	defer resp.Cancel()

	ctxlog.Info(ctx, "mediacache/server: serving request", "start", start, "end", endExclusive)
	s.writeResponse(w, r, rs, resp, hasRange)
}

func (s *Server) writeRequestError(w http.ResponseWriter, err error) {
	if errors.Is(err, cachestream.ErrInvalidRange) {
		// spec.md §6: "Content-Range: bytes */TOTAL when known"; TOTAL
		// isn't cheaply available at this error path without another
		// round trip through the stream's headers, so this degrades to
		// the "unknown" form, which HTTP permits.
		w.Header().Set("Content-Range", "bytes */*")
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if errors.Is(err, cachestream.ErrHTTPRange) {
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// nonCopyableResponseHeaders are origin headers that copyCachedResponseHeaders
// must not copy verbatim: they describe this request's own range slice
// (computed below from resp.Range()) or are hop-by-hop.
var nonCopyableResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Content-Range":     true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Accept-Ranges":     true,
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, rs *registeredSource, resp cachestream.StreamResponse, hasRange bool) {
	w.Header().Set("Content-Type", contentTypeFor(r.URL.Path))
	w.Header().Set("Accept-Ranges", "bytes")

	copyCached, overrides := rs.stream.ResponseHeaderConfig()
	if copyCached {
		if cached, ok := rs.stream.CachedHeaders(); ok {
			for k, v := range cached.Raw() {
				if nonCopyableResponseHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
					continue
				}
				w.Header()[textproto.CanonicalMIMEHeaderKey(k)] = append([]string(nil), v...)
			}
		}
	}
	for k, v := range overrides {
		w.Header()[textproto.CanonicalMIMEHeaderKey(k)] = append([]string(nil), v...)
	}

	status := http.StatusOK
	if hasRange {
		status = http.StatusPartialContent
	}

	start, end, ok := resp.Range()
	if ok {
		w.Header().Set("Content-Length", strconv.FormatInt(end-start, 10))
		if hasRange {
			total := "*"
			if sourceLen, known := rs.stream.SourceLength(); known {
				total = strconv.FormatInt(sourceLen, 10)
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", start, end-1, total))
		}
	}
	w.WriteHeader(status)

	// The write deadline resets on every chunk actually written, mirroring
	// the read timeout's reset-on-progress semantics (spec.md §4.2/§5):
	// only a stall, not the transfer's total length, trips it. Using
	// http.ResponseController.SetWriteDeadline (rather than a watchdog
	// goroutine racing Hijack against the in-flight io.Copy) keeps every
	// write on this same goroutine, so there is no concurrent access to
	// the ResponseWriter.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	pw := &progressWriter{w: w, rc: rc, timeout: s.cfg.ReadTimeout}

	if _, err := io.Copy(pw, resp); err != nil {
		// spec.md §6: "on any exception after headers have been written the
		// socket is destroyed rather than responding". io.Copy has already
		// returned by this point (no write is in flight), so hijacking and
		// closing the connection here cannot race a concurrent Write.
		resp.Cancel()
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, hjErr := hj.Hijack(); hjErr == nil {
				_ = conn.Close()
			}
		}
	}
}

// progressWriter flushes every Write to the connection and then extends
// the response's write deadline, so a per-chunk stall trips the deadline
// rather than the transfer's total length.
type progressWriter struct {
	w       io.Writer
	rc      *http.ResponseController
	timeout time.Duration
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	if n > 0 && err == nil {
		err = pw.rc.Flush()
	}
	if n > 0 && err == nil {
		_ = pw.rc.SetWriteDeadline(time.Now().Add(pw.timeout))
	}
	return n, err
}

func contentTypeFor(urlPath string) string {
	ext := path.Ext(urlPath)
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// byteRange is a parsed "Range: bytes=start-end" header; end < 0 means
// unbounded ("bytes=N-").
type byteRange struct {
	start, end int64
}

// parseRangeHeader parses a single "bytes=N-[M]" range. It returns
// (nil, nil) when header is empty. Only positive ranges are supported;
// a negative suffix range ("bytes=-500") is rejected per spec.md §6.
func parseRangeHeader(header string) (*byteRange, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("unsupported range unit in %q", header)
	}
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("multiple ranges not supported: %q", header)
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed range: %q", header)
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("negative suffix ranges are not supported: %q", header)
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("malformed range start: %q", header)
	}
	if parts[1] == "" {
		return &byteRange{start: start, end: -1}, nil
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || end < start {
		return nil, fmt.Errorf("malformed range end: %q", header)
	}
	return &byteRange{start: start, end: end}, nil
}

// parseAndValidateSourceURL parses sourceURL and requires an absolute
// http(s) URL with a host, since the loopback server rewrites only
// scheme/host/port and needs the rest to build a lookup key.
func parseAndValidateSourceURL(sourceURL string) (*url.URL, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("mediacache/server: invalid source URL %q: %w", sourceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("mediacache/server: source URL %q must be http(s)", sourceURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mediacache/server: source URL %q has no host", sourceURL)
	}
	return u, nil
}
