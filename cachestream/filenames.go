// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"crypto/sha1" //nolint:gosec // used only as a filename fallback, not for security.
	"encoding/hex"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

const (
	maxPathComponentLength = 255
	fallbackExtMaxLength   = 20
)

var filenameSanitizer = func() map[rune]bool {
	allowed := make(map[rune]bool)
	for _, r := range "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-" {
		allowed[r] = true
	}
	return allowed
}()

func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if filenameSanitizer[r] {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > maxPathComponentLength {
		out = out[:maxPathComponentLength]
	}
	return out
}

// CacheFiles names the complete/partial/metadata triple for one source URL
// rooted at dir. Suffixes follow spec.md §6: "" (complete), ".part"
// (partial), ".metadata" (JSON).
type CacheFiles struct {
	Complete string
	Partial  string
	Metadata string
}

// NewCacheFiles derives a CacheFiles triple for sourceURL rooted at dir. On
// any failure constructing a readable path from the URL, it falls back to
// sha1(url) plus the URL's extension (when short and alphanumeric).
func NewCacheFiles(dir, sourceURL string) CacheFiles {
	base := deriveBasePath(dir, sourceURL)
	return CacheFiles{
		Complete: base,
		Partial:  base + ".part",
		Metadata: base + ".metadata",
	}
}

func deriveBasePath(dir, sourceURL string) string {
	base, ok := sanitizedBasePath(dir, sourceURL)
	if !ok {
		base = fallbackBasePath(dir, sourceURL)
	}
	if filepath.Ext(base) == "" {
		base += ".cache"
	}
	return base
}

func sanitizedBasePath(dir, sourceURL string) (string, bool) {
	u, err := url.Parse(sourceURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	components := []string{sanitizeComponent(u.Host)}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == "" {
			continue
		}
		components = append(components, sanitizeComponent(seg))
	}
	if len(components) == 0 {
		return "", false
	}
	p := filepath.Join(append([]string{dir}, components...)...)
	if len(p) > maxOSPathLength() {
		return "", false
	}
	return p, true
}

func fallbackBasePath(dir, sourceURL string) string {
	sum := sha1.Sum([]byte(sourceURL)) //nolint:gosec
	name := hex.EncodeToString(sum[:])
	ext := path.Ext(sourceURL)
	if isShortAlphanumericExt(ext) {
		name += ext
	}
	return filepath.Join(dir, name)
}

func isShortAlphanumericExt(ext string) bool {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || len(ext) > fallbackExtMaxLength {
		return false
	}
	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// maxOSPathLength returns the conservative path length limit used to
// decide whether the sanitized path is usable; 4096 covers Linux/macOS
// comfortably and Windows' extended-length form.
func maxOSPathLength() int { return 4096 }
