// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func headersFrom(kv ...string) Headers {
	h := make(http.Header)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return NewHeaders(h, true)
}

func TestHeadersSourceLength(t *testing.T) {
	h := headersFrom("Content-Length", "1024")
	n, ok := h.SourceLength()
	if !ok || n != 1024 {
		t.Fatalf("SourceLength() = (%d, %v), want (1024, true)", n, ok)
	}
}

func TestHeadersSourceLengthUnknownWhenChunked(t *testing.T) {
	h := headersFrom("Content-Length", "1024", "Transfer-Encoding", "chunked")
	if _, ok := h.SourceLength(); ok {
		t.Fatalf("SourceLength() ok = true for chunked response, want false")
	}
}

func TestHeadersSourceLengthUnknownWhenGzipped(t *testing.T) {
	h := headersFrom("Content-Length", "1024", "Content-Encoding", "gzip")
	if _, ok := h.SourceLength(); ok {
		t.Fatalf("SourceLength() ok = true for gzip response, want false")
	}
}

func TestHeadersAcceptsRangeRequests(t *testing.T) {
	h := headersFrom("Accept-Ranges", "bytes")
	if !h.AcceptsRangeRequests() {
		t.Fatalf("AcceptsRangeRequests() = false, want true")
	}
	if headersFrom().AcceptsRangeRequests() {
		t.Fatalf("AcceptsRangeRequests() = true for empty headers, want false")
	}
}

func TestHeadersCanResumeDownload(t *testing.T) {
	ok := headersFrom("Accept-Ranges", "bytes")
	if !ok.CanResumeDownload() {
		t.Fatalf("CanResumeDownload() = false, want true")
	}
	chunked := headersFrom("Accept-Ranges", "bytes", "Transfer-Encoding", "chunked")
	if chunked.CanResumeDownload() {
		t.Fatalf("CanResumeDownload() = true for chunked response, want false")
	}
}

func TestHeadersShouldRevalidate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fresh := headersFrom("Date", now.Format(http.TimeFormat), "Cache-Control", "max-age=3600")
	if fresh.ShouldRevalidate(now) {
		t.Fatalf("ShouldRevalidate() = true for fresh response, want false")
	}
	stale := headersFrom("Date", now.Add(-2*time.Hour).Format(http.TimeFormat), "Cache-Control", "max-age=3600")
	if !stale.ShouldRevalidate(now) {
		t.Fatalf("ShouldRevalidate() = false for stale response, want true")
	}
	noPolicy := headersFrom()
	if noPolicy.ShouldRevalidate(now) {
		t.Fatalf("ShouldRevalidate() = true with no freshness headers, want false")
	}
}

func TestHeadersEquivalentByETag(t *testing.T) {
	a := headersFrom("Etag", `"abc"`)
	b := headersFrom("Etag", `"abc"`)
	c := headersFrom("Etag", `"xyz"`)
	if !a.Equivalent(b) {
		t.Fatalf("Equivalent() = false for matching ETags, want true")
	}
	if a.Equivalent(c) {
		t.Fatalf("Equivalent() = true for mismatched ETags, want false")
	}
}

func TestHeadersEquivalentFallsBackToLength(t *testing.T) {
	a := headersFrom("Content-Length", "100")
	b := headersFrom("Content-Length", "100")
	c := headersFrom("Content-Length", "200")
	if !a.Equivalent(b) {
		t.Fatalf("Equivalent() = false for matching lengths, want true")
	}
	if a.Equivalent(c) {
		t.Fatalf("Equivalent() = true for mismatched lengths, want false")
	}
}

func TestMetadataFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.metadata")
	m := NewMetadataFile(path)

	h := headersFrom("Content-Length", "42", "Etag", `"v1"`)
	if err := m.Save("https://example.com/x", h); err != nil {
		t.Fatalf("Save: %v", err)
	}

	url, loaded, ok, err := m.Load()
	if err != nil || !ok {
		t.Fatalf("Load() = (%q, ok=%v, err=%v)", url, ok, err)
	}
	if url != "https://example.com/x" {
		t.Fatalf("url = %q, want https://example.com/x", url)
	}
	if loaded.Get("Etag") != `"v1"` {
		t.Fatalf("Etag = %q, want \"v1\"", loaded.Get("Etag"))
	}
}

func TestMetadataFileLoadMissingFileIsNotError(t *testing.T) {
	m := NewMetadataFile(filepath.Join(t.TempDir(), "missing.metadata"))
	_, _, ok, err := m.Load()
	if err != nil || ok {
		t.Fatalf("Load() = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestMetadataFileLoadMissingURLInvalidatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.metadata")
	m := NewMetadataFile(path)
	if err := m.Save("", headersFrom("Content-Length", "1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_, _, ok, err := m.Load()
	if err != nil || ok {
		t.Fatalf("Load() = (ok=%v, err=%v), want (false, nil) for missing Url", ok, err)
	}
}

func TestMetadataFileDeleteMissingIsNotError(t *testing.T) {
	m := NewMetadataFile(filepath.Join(t.TempDir(), "missing.metadata"))
	if err := m.Delete(); err != nil {
		t.Fatalf("Delete() on missing file: %v", err)
	}
}

func TestIntRangeValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       IntRange
		srcLen  int64
		known   bool
		wantErr bool
	}{
		{"unbounded ok", IntRange{Start: 0, End: -1}, 0, false, false},
		{"negative start", IntRange{Start: -1, End: -1}, 0, false, true},
		{"end before start", IntRange{Start: 10, End: 5}, 0, false, true},
		{"start past length", IntRange{Start: 100, End: -1}, 50, true, true},
		{"end past length", IntRange{Start: 0, End: 100}, 50, true, true},
		{"within length", IntRange{Start: 0, End: 49}, 50, true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.r.Validate(tc.srcLen, tc.known)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestIntRangeResolvedEnd(t *testing.T) {
	if got := (IntRange{Start: 0, End: -1}).ResolvedEnd(100); got != 99 {
		t.Fatalf("ResolvedEnd() = %d, want 99", got)
	}
	if got := (IntRange{Start: 0, End: 50}).ResolvedEnd(100); got != 50 {
		t.Fatalf("ResolvedEnd() = %d, want 50", got)
	}
}
