// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"path/filepath"

	"cloudeng.io/sys"
)

// warnOnLowDiskSpace logs (never fails) when the filesystem backing
// partialPath has less free space than cfg.MaxBufferSize. Unlike
// largefile.ReserveSpace, which pre-allocates the full expected file size
// before a bounded download starts, a streaming proxy's source length is
// not known until the origin responds with headers, so pre-reservation
// isn't meaningful here; this is a best-effort early warning instead (see
// DESIGN.md).
func warnOnLowDiskSpace(cfg *Config, partialPath string) {
	dir := filepath.Dir(partialPath)
	avail, err := sys.AvailableBytes(dir)
	if err != nil {
		// Best-effort only: a filesystem that can't report free space
		// (or a cache dir that doesn't exist yet) shouldn't block a
		// download attempt.
		return
	}
	if avail < int64(cfg.MaxBufferSize) {
		cfg.Logger.Warn("cacheDownloader: low disk space before starting download",
			"dir", dir, "available", humanBytes(avail), "maxBufferSize", humanBytes(int64(cfg.MaxBufferSize)))
	}
}
