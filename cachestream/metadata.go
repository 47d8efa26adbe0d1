// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"cloudeng.io/os/lockedfile"
)

// essentialHeaders are the cache-relevant response headers carried over
// from the origin; all others are discarded. The set matches spec.md §3.
var essentialHeaders = []string{
	"Content-Length",
	"Accept-Ranges",
	"Content-Type",
	"Last-Modified",
	"Date",
	"Expires",
	"Cache-Control",
	"Etag",
	"Content-Encoding",
	"Transfer-Encoding",
}

// Headers is an immutable, filtered view of an origin response's caching
// related headers, plus the derived properties used throughout the cache
// stream engine. It is deliberately a value type: copies are cheap and
// callers cannot mutate a shared instance out from under a Cache Stream.
type Headers struct {
	values http.Header
}

// NewHeaders filters raw into a Headers value carrying only the headers
// named in essentialHeaders (or, when saveAllHeaders is true, every header
// the origin sent).
func NewHeaders(raw http.Header, saveAllHeaders bool) Headers {
	out := make(http.Header)
	if saveAllHeaders {
		for k, v := range raw {
			out[k] = append([]string(nil), v...)
		}
		return Headers{values: out}
	}
	for _, name := range essentialHeaders {
		if v := raw.Values(name); len(v) > 0 {
			out[textproto.CanonicalMIMEHeaderKey(name)] = append([]string(nil), v...)
		}
	}
	return Headers{values: out}
}

// Get returns the first value for the named header, if any.
func (h Headers) Get(name string) string {
	if h.values == nil {
		return ""
	}
	return h.values.Get(name)
}

// Raw returns the underlying http.Header; callers must not mutate it.
func (h Headers) Raw() http.Header { return h.values }

// IsZero reports whether no headers have ever been observed for this
// stream.
func (h Headers) IsZero() bool { return h.values == nil }

// SourceLength returns the origin's content-length and true, unless the
// body is compressed or chunked, in which case the length is unknown.
func (h Headers) SourceLength() (int64, bool) {
	if h.compressedOrChunked() {
		return 0, false
	}
	cl := h.Get("Content-Length")
	if cl == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h Headers) compressedOrChunked() bool {
	if strings.EqualFold(h.Get("Content-Encoding"), "gzip") {
		return true
	}
	if strings.EqualFold(h.Get("Transfer-Encoding"), "chunked") {
		return true
	}
	return false
}

// AcceptsRangeRequests reports whether the origin advertised byte-range
// support.
func (h Headers) AcceptsRangeRequests() bool {
	return strings.EqualFold(h.Get("Accept-Ranges"), "bytes")
}

// CanResumeDownload reports whether a partial download of this resource
// may be resumed: the origin must support ranges and must not be
// compressed or chunked (both invalidate byte-offset arithmetic).
func (h Headers) CanResumeDownload() bool {
	return h.AcceptsRangeRequests() && !h.compressedOrChunked()
}

// ShouldRevalidate reports whether the cached headers have passed their
// freshness window and a HEAD revalidation is due.
func (h Headers) ShouldRevalidate(now time.Time) bool {
	expires, ok := h.expires(now)
	if !ok {
		return false
	}
	return !now.Before(expires)
}

func (h Headers) expires(now time.Time) (time.Time, bool) {
	if v := h.Get("Expires"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t, true
		}
	}
	date := now
	if v := h.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			date = t
		}
	}
	cc := h.Get("Cache-Control")
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(directive)
		if after, ok := strings.CutPrefix(directive, "max-age="); ok {
			secs, err := strconv.Atoi(after)
			if err == nil {
				return date.Add(time.Duration(secs) * time.Second), true
			}
		}
	}
	return time.Time{}, false
}

// Equivalent implements the validation equality rule from spec.md §4.5:
// ETag match if both present, else Last-Modified ordering, else length
// equality.
func (h Headers) Equivalent(next Headers) bool {
	if et, net := h.Get("Etag"), next.Get("Etag"); et != "" && net != "" {
		return et == net
	}
	if lm, nlm := h.Get("Last-Modified"), next.Get("Last-Modified"); lm != "" && nlm != "" {
		lt, err1 := http.ParseTime(lm)
		nt, err2 := http.ParseTime(nlm)
		if err1 == nil && err2 == nil {
			return !nt.After(lt)
		}
	}
	hl, hok := h.SourceLength()
	nl, nok := next.SourceLength()
	return hok == nok && hl == nl
}

// headersDoc is the on-disk JSON shape of the metadata file.
type headersDoc struct {
	URL     string              `json:"Url"`
	Headers map[string][]string `json:"headers"`
}

// MetadataFile is the { url, headers } JSON document persisted alongside a
// partial download so a later process can decide whether to resume.
type MetadataFile struct {
	path string
}

// NewMetadataFile returns a handle for reading/writing the metadata file at
// path; it performs no I/O itself.
func NewMetadataFile(path string) *MetadataFile { return &MetadataFile{path: path} }

// Load reads and parses the metadata file. A missing "Url" field
// invalidates the file (returns ok=false, err=nil): spec.md §6. The read is
// lock-guarded (cloudeng.io/os/lockedfile) so it never observes a
// concurrent Save mid-write, e.g. from another process sharing this cache
// directory.
func (m *MetadataFile) Load() (sourceURL string, headers Headers, ok bool, err error) {
	data, err := lockedfile.Read(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", Headers{}, false, nil
		}
		return "", Headers{}, false, err
	}
	var doc headersDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", Headers{}, false, nil
	}
	if doc.URL == "" {
		return "", Headers{}, false, nil
	}
	hv := make(http.Header, len(doc.Headers))
	for k, v := range doc.Headers {
		hv[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return doc.URL, Headers{values: hv}, true, nil
}

// Save writes the metadata file, overwriting any existing content. Uses a
// write-locked file (cloudeng.io/os/lockedfile) for the same reason Load
// read-locks: multiple processes may share one cache directory.
func (m *MetadataFile) Save(sourceURL string, headers Headers) error {
	doc := headersDoc{URL: sourceURL, Headers: map[string][]string(headers.values)}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return lockedfile.Write(m.path, bytes.NewReader(data), 0o600)
}

// Delete removes the metadata file; a missing file is not an error.
func (m *MetadataFile) Delete() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IntRange is an inclusive-start byte range; End is optionally unbounded
// (EndUnbounded() reports true). It is validated against a known source
// length with Validate.
type IntRange struct {
	Start int64
	End   int64 // -1 means unbounded.
}

// EndUnbounded reports whether the range has no explicit end.
func (r IntRange) EndUnbounded() bool { return r.End < 0 }

// Validate checks 0 <= Start, End >= Start (when bounded) and, when
// sourceLength is known, End < sourceLength.
func (r IntRange) Validate(sourceLength int64, sourceLengthKnown bool) error {
	if r.Start < 0 {
		return ErrInvalidRange
	}
	if !r.EndUnbounded() && r.End < r.Start {
		return ErrInvalidRange
	}
	if sourceLengthKnown {
		if r.Start >= sourceLength {
			return ErrInvalidRange
		}
		if !r.EndUnbounded() && r.End >= sourceLength {
			return ErrInvalidRange
		}
	}
	return nil
}

// ResolvedEnd returns the inclusive end of the range given a known source
// length, resolving an unbounded range to sourceLength-1.
func (r IntRange) ResolvedEnd(sourceLength int64) int64 {
	if r.EndUnbounded() {
		return sourceLength - 1
	}
	return r.End
}
