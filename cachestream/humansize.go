// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import "fmt"

// binaryUnit is a power-of-1024 byte unit, used only to make disk-space log
// lines readable; not exposed as a public type since callers only ever need
// the formatted string.
type binaryUnit int64

const (
	byteUnit binaryUnit = 1
	kibUnit             = byteUnit << 10
	mibUnit             = kibUnit << 10
	gibUnit             = mibUnit << 10
	tibUnit             = gibUnit << 10
)

func (u binaryUnit) String() string {
	switch u {
	case byteUnit:
		return "B"
	case kibUnit:
		return "KiB"
	case mibUnit:
		return "MiB"
	case gibUnit:
		return "GiB"
	case tibUnit:
		return "TiB"
	default:
		return "B"
	}
}

func unitForSize(size int64) binaryUnit {
	switch {
	case size < int64(kibUnit):
		return byteUnit
	case size < int64(mibUnit):
		return kibUnit
	case size < int64(gibUnit):
		return mibUnit
	case size < int64(tibUnit):
		return gibUnit
	default:
		return tibUnit
	}
}

// humanBytes formats n using the largest binary unit that keeps it >= 1, for
// disk-space log lines (spec.md §8 low-disk-space warning).
func humanBytes(n int64) string {
	u := unitForSize(n)
	return fmt.Sprintf("%.1f%v", float64(n)/float64(u), u)
}
