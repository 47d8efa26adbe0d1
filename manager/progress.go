// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package manager

import (
	"sync"

	"cloudeng.io/algo/container/bitmap"
)

// progressBlockSize is the granularity at which entryProgress tracks
// downloaded bytes; it need not match the sink's own chunk size.
const progressBlockSize = 256 * 1024

// entryProgress tracks, for one registry entry, the contiguous run of
// downloaded bytes from the start of the source without requiring the
// manager to open and re-scan the entry's partial file. Grounded on
// cloudeng.io/algo/container/bitmap.Contiguous, which exposes exactly this
// "track the contiguous head as bits are set" operation. Read by
// Manager.Progress.
type entryProgress struct {
	mu         sync.Mutex
	blockSize  int64
	numBlocks  int
	contentLen int64
	contiguous *bitmap.Contiguous
}

// newEntryProgress returns an entryProgress for a source of the given
// length. A non-positive or unknown length yields a tracker that reports
// zero progress until setContentLength gives it a length.
func newEntryProgress(contentLen int64) *entryProgress {
	if contentLen <= 0 {
		return &entryProgress{blockSize: progressBlockSize}
	}
	nb := int((contentLen + progressBlockSize - 1) / progressBlockSize)
	return &entryProgress{
		blockSize:  progressBlockSize,
		numBlocks:  nb,
		contentLen: contentLen,
		contiguous: bitmap.NewContiguous(0, nb),
	}
}

// setContentLength (re)sizes the tracker once the source length becomes
// known; it is a no-op if the tracker already has a length (from an
// earlier call) or length is not positive.
func (p *entryProgress) setContentLength(length int64) {
	if p == nil || p.contiguous != nil || length <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.contiguous != nil {
		return
	}
	p.numBlocks = int((length + p.blockSize - 1) / p.blockSize)
	p.contentLen = length
	p.contiguous = bitmap.NewContiguous(0, p.numBlocks)
}

// observe records that every byte before pos (the cumulative download
// position) has been downloaded; only blocks wholly below pos, or every
// block once pos reaches the content length, are marked.
func (p *entryProgress) observe(pos int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.contiguous == nil {
		return
	}
	full := int(pos / p.blockSize)
	if pos >= p.contentLen {
		full = p.numBlocks
	}
	for block := p.contiguous.LastSet() + 1; block < full && block < p.numBlocks; block++ {
		p.contiguous.Set(block)
	}
}

// contiguousBytes returns the number of contiguous bytes downloaded from
// the start of the source.
func (p *entryProgress) contiguousBytes() int64 {
	if p == nil || p.contiguous == nil {
		return 0
	}
	p.mu.Lock()
	last := p.contiguous.LastSet()
	contentLen, blockSize := p.contentLen, p.blockSize
	p.mu.Unlock()
	if last < 0 {
		return 0
	}
	return min(int64(last+1)*blockSize, contentLen)
}

// fractionComplete returns contiguousBytes/contentLen, in [0,1].
func (p *entryProgress) fractionComplete() float64 {
	if p == nil || p.contentLen <= 0 {
		return 0
	}
	return float64(p.contiguousBytes()) / float64(p.contentLen)
}
