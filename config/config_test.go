// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"cloudeng.io/mediacache/cachestream"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeYAML(t, "cacheDir: /var/cache/mediacache\n")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.CacheDir != "/var/cache/mediacache" {
		t.Fatalf("CacheDir = %q, want /var/cache/mediacache", f.CacheDir)
	}
}

func TestLoadMissingCacheDirFails(t *testing.T) {
	path := writeYAML(t, "listenAddr: 127.0.0.1:8080\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load succeeded with no cacheDir, want an error")
	}
}

func TestLoadRejectsUndersizedMaxBufferSize(t *testing.T) {
	path := writeYAML(t, "cacheDir: /tmp/x\nmaxBufferSize: 1024\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load succeeded with an undersized maxBufferSize, want an error")
	}
}

func TestStreamOptionsAppliesConfiguredValues(t *testing.T) {
	f := &File{
		CacheDir:                  "/tmp/x",
		MaxBufferSize:             2 * cachestream.MinMaxBufferSize,
		CopyCachedResponseHeaders: true,
		RequestHeaders:            map[string]string{"X-Test": "1"},
	}
	cfg, err := cachestream.NewConfig(f.StreamOptions()...)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.MaxBufferSize != 2*cachestream.MinMaxBufferSize {
		t.Fatalf("MaxBufferSize = %d, want %d", cfg.MaxBufferSize, 2*cachestream.MinMaxBufferSize)
	}
	if !cfg.CopyCachedResponseHeaders {
		t.Fatalf("CopyCachedResponseHeaders = false, want true")
	}
	if cfg.RequestHeaders.Get("X-Test") != "1" {
		t.Fatalf("RequestHeaders[X-Test] = %q, want 1", cfg.RequestHeaders.Get("X-Test"))
	}
}

func TestServerOptionsEmptyWithoutReadTimeout(t *testing.T) {
	f := &File{CacheDir: "/tmp/x"}
	if opts := f.ServerOptions(); len(opts) != 0 {
		t.Fatalf("ServerOptions() with no ReadTimeout = %d options, want 0", len(opts))
	}
}
