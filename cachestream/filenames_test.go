// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestNewCacheFilesDerivesHostAndPathSegments(t *testing.T) {
	dir := "/cache"
	files := NewCacheFiles(dir, "https://example.com/videos/movie.mp4")

	want := filepath.Join(dir, "example.com", "videos", "movie.mp4")
	if files.Complete != want {
		t.Fatalf("Complete = %q, want %q", files.Complete, want)
	}
	if files.Partial != want+".part" {
		t.Fatalf("Partial = %q, want %q", files.Partial, want+".part")
	}
	if files.Metadata != want+".metadata" {
		t.Fatalf("Metadata = %q, want %q", files.Metadata, want+".metadata")
	}
}

func TestNewCacheFilesSanitizesIllegalCharacters(t *testing.T) {
	files := NewCacheFiles("/cache", "https://example.com/a b/c?d=e")
	if strings.ContainsAny(files.Complete, " ?=") {
		t.Fatalf("Complete contains unsanitized characters: %q", files.Complete)
	}
}

func TestNewCacheFilesAppendsDefaultExtensionWhenPathHasNone(t *testing.T) {
	files := NewCacheFiles("/cache", "https://example.com/stream")
	if filepath.Ext(files.Complete) != ".cache" {
		t.Fatalf("Complete = %q, want a .cache extension", files.Complete)
	}
}

func TestNewCacheFilesFallsBackOnUnparsableURL(t *testing.T) {
	files := NewCacheFiles("/cache", "not a url with no host at all")
	if !strings.HasPrefix(files.Complete, filepath.Join("/cache")+string(filepath.Separator)) {
		t.Fatalf("Complete = %q, want a path under /cache", files.Complete)
	}
}

func TestNewCacheFilesIsDeterministic(t *testing.T) {
	a := NewCacheFiles("/cache", "https://example.com/x.mp4")
	b := NewCacheFiles("/cache", "https://example.com/x.mp4")
	if a != b {
		t.Fatalf("NewCacheFiles is not deterministic: %+v != %+v", a, b)
	}
}

func TestNewCacheFilesDistinguishesDifferentURLs(t *testing.T) {
	a := NewCacheFiles("/cache", "https://example.com/x.mp4")
	b := NewCacheFiles("/cache", "https://example.com/y.mp4")
	if a == b {
		t.Fatalf("different URLs produced identical CacheFiles: %+v", a)
	}
}
