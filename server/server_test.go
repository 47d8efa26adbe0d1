// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloudeng.io/mediacache/cachestream"
	"cloudeng.io/mediacache/manager"
)

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	cfg, err := cachestream.NewConfig(
		cachestream.WithMinChunkSize(1),
		cachestream.WithReadTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	mgr := manager.New(t.TempDir(), cfg)
	sv := New(mgr, WithReadTimeout(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	if err := sv.Start(ctx, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sv, func() {
		cancel()
		sv.Close()
	}
}

func newTestServerWithStreamOptions(t *testing.T, opts ...cachestream.Option) (*Server, func()) {
	t.Helper()
	base := []cachestream.Option{
		cachestream.WithMinChunkSize(1),
		cachestream.WithReadTimeout(2 * time.Second),
	}
	cfg, err := cachestream.NewConfig(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	mgr := manager.New(t.TempDir(), cfg)
	sv := New(mgr, WithReadTimeout(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	if err := sv.Start(ctx, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sv, func() {
		cancel()
		sv.Close()
	}
}

func TestServerCopyCachedResponseHeadersCopiesOriginHeaders(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom-Origin", "from-origin")
		io.WriteString(w, "body")
	}))
	defer origin.Close()

	sv, stop := newTestServerWithStreamOptions(t, cachestream.WithCopyCachedResponseHeaders(true))
	defer stop()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	defer sv.UnregisterSource(origin.URL + "/video.mp4")

	resp, err := http.Get(cacheURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Custom-Origin"); got != "from-origin" {
		t.Fatalf("X-Custom-Origin = %q, want %q", got, "from-origin")
	}
}

func TestServerResponseHeaderOverridesAlwaysApplied(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "body")
	}))
	defer origin.Close()

	overrides := make(http.Header)
	overrides.Set("X-Proxy-Header", "injected")
	sv, stop := newTestServerWithStreamOptions(t, cachestream.WithResponseHeaders(overrides))
	defer stop()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	defer sv.UnregisterSource(origin.URL + "/video.mp4")

	resp, err := http.Get(cacheURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Proxy-Header"); got != "injected" {
		t.Fatalf("X-Proxy-Header = %q, want %q", got, "injected")
	}
}

func TestServerCopyCachedResponseHeadersDoesNotOverrideContentLength(t *testing.T) {
	const body = "0123456789"
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
	defer origin.Close()

	sv, stop := newTestServerWithStreamOptions(t, cachestream.WithCopyCachedResponseHeaders(true))
	defer stop()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	defer sv.UnregisterSource(origin.URL + "/video.mp4")

	req, _ := http.NewRequest(http.MethodGet, cacheURL, nil)
	req.Header.Set("Range", "bytes=2-4")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if cl := resp.Header.Get("Content-Length"); cl != "3" {
		t.Fatalf("Content-Length = %q, want 3 (range-derived, not the cached full-body length)", cl)
	}
}

func TestServerWriteTimeoutResetsOnProgressForSteadyTransfer(t *testing.T) {
	chunks := []string{"first-chunk-", "second-chunk-", "third-chunk-", "fourth-chunk"}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			io.WriteString(w, c)
			flusher.Flush()
			time.Sleep(80 * time.Millisecond)
		}
	}))
	defer origin.Close()

	cfg, err := cachestream.NewConfig(cachestream.WithMinChunkSize(1))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	mgr := manager.New(t.TempDir(), cfg)
	sv := New(mgr, WithReadTimeout(150*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sv.Start(ctx, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sv.Close()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	defer sv.UnregisterSource(origin.URL + "/video.mp4")

	// Total transfer time (~320ms) exceeds the 150ms write timeout, but
	// every chunk arrives well within it; the timeout must reset on each
	// chunk rather than bound the whole response.
	resp, err := http.Get(cacheURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v, want the full body since the transfer kept making progress", err)
	}
	want := strings.Join(chunks, "")
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestServerWriteTimeoutDestroysSocketOnStall(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, "first-chunk-")
		flusher.Flush()
		time.Sleep(500 * time.Millisecond)
		io.WriteString(w, "second-chunk")
	}))
	defer origin.Close()

	cfg, err := cachestream.NewConfig(cachestream.WithMinChunkSize(1))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	mgr := manager.New(t.TempDir(), cfg)
	sv := New(mgr, WithReadTimeout(100*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sv.Start(ctx, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sv.Close()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	defer sv.UnregisterSource(origin.URL + "/video.mp4")

	resp, err := http.Get(cacheURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatalf("ReadAll succeeded with body %q, want a truncation error once the stall outlasts the write timeout", got)
	}
	if string(got) != "first-chunk-" {
		t.Fatalf("got %q before truncation, want %q", got, "first-chunk-")
	}
}

func TestServerRegisterAndFetchFullBody(t *testing.T) {
	const body = "hello from the origin"
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
	defer origin.Close()

	sv, stop := newTestServer(t)
	defer stop()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	defer sv.UnregisterSource(origin.URL + "/video.mp4")

	resp, err := http.Get(cacheURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != body {
		t.Fatalf("got %q, want %q", got, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct == "" {
		t.Fatalf("Content-Type header missing")
	}
}

func TestServerRangeRequestReturnsPartialContent(t *testing.T) {
	const body = "0123456789ABCDEFGHIJ"
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
	defer origin.Close()

	sv, stop := newTestServer(t)
	defer stop()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	defer sv.UnregisterSource(origin.URL + "/video.mp4")

	req, _ := http.NewRequest(http.MethodGet, cacheURL, nil)
	req.Header.Set("Range", "bytes=5-9")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("StatusCode = %d, want 206", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != body[5:10] {
		t.Fatalf("got %q, want %q", got, body[5:10])
	}
	if cl := resp.Header.Get("Content-Length"); cl != "5" {
		t.Fatalf("Content-Length = %q, want 5", cl)
	}
}

func TestServerNonGetMethodRejected(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "x")
	}))
	defer origin.Close()

	sv, stop := newTestServer(t)
	defer stop()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	defer sv.UnregisterSource(origin.URL + "/video.mp4")

	req, _ := http.NewRequest(http.MethodPost, cacheURL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("StatusCode = %d, want 405", resp.StatusCode)
	}
}

func TestServerUnregisteredPathReturnsServiceUnavailable(t *testing.T) {
	sv, stop := newTestServer(t)
	defer stop()

	resp, err := http.Get("http://" + sv.Addr().String() + "/nothing-here.mp4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("StatusCode = %d, want 503", resp.StatusCode)
	}
}

func TestServerInvalidRangeReturnsBadRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "x")
	}))
	defer origin.Close()

	sv, stop := newTestServer(t)
	defer stop()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	defer sv.UnregisterSource(origin.URL + "/video.mp4")

	req, _ := http.NewRequest(http.MethodGet, cacheURL, nil)
	req.Header.Set("Range", "bytes=-500")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("StatusCode = %d, want 400", resp.StatusCode)
	}
}

func TestServerRegisterSourceConflictingPathRejected(t *testing.T) {
	originA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "a")
	}))
	defer originA.Close()

	sv, stop := newTestServer(t)
	defer stop()

	if _, err := sv.RegisterSource(originA.URL + "/shared/path.mp4"); err != nil {
		t.Fatalf("RegisterSource A: %v", err)
	}
	defer sv.UnregisterSource(originA.URL + "/shared/path.mp4")

	// Same path component, different host: same lookup key, different
	// source, must be rejected.
	conflict := "http://127.0.0.1:1/shared/path.mp4"
	if _, err := sv.RegisterSource(conflict); err == nil {
		t.Fatalf("RegisterSource with a conflicting source for the same path succeeded")
	}
}

func TestServerUnregisterSourceThenLookupFails(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "x")
	}))
	defer origin.Close()

	sv, stop := newTestServer(t)
	defer stop()

	cacheURL, err := sv.RegisterSource(origin.URL + "/video.mp4")
	if err != nil {
		t.Fatalf("RegisterSource: %v", err)
	}
	sv.UnregisterSource(origin.URL + "/video.mp4")

	resp, err := http.Get(cacheURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("StatusCode after Unregister = %d, want 503", resp.StatusCode)
	}
}
