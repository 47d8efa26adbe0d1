// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package cachestream

import (
	"log/slog"
	"net/http"
	"time"

	"cloudeng.io/algo/digests"
	"cloudeng.io/net/ratecontrol"
)

const (
	// DefaultMaxBufferSize is the default upper bound on in-memory bytes
	// held by the sink and by any single DownloadOnly reader.
	DefaultMaxBufferSize = 25 * 1024 * 1024
	// MinMaxBufferSize is the smallest value WithMaxBufferSize accepts.
	MinMaxBufferSize = 1 * 1024 * 1024
	// DefaultMinChunkSize is the default downstream chunk coalescing
	// threshold.
	DefaultMinChunkSize = 64 * 1024
	// DefaultReadTimeout is the default send/inter-chunk read timeout.
	DefaultReadTimeout = 30 * time.Second
	// DefaultValidationTimeout is the timeout used for HEAD revalidation
	// requests.
	DefaultValidationTimeout = 15 * time.Second
	// defaultRetryBackoff is the delay between download-loop retries on
	// non-fatal network errors.
	defaultRetryBackoff = 5 * time.Second
)

// Config holds the options enumerated in spec.md §6. It is built by
// applying a sequence of Option values over the documented defaults, the
// same functional-options idiom as largefile.DownloadOption.
type Config struct {
	MaxBufferSize              int
	MinChunkSize               int
	RangeRequestSplitThreshold int64
	SplitThresholdEnabled      bool
	ReadTimeout                time.Duration
	ValidationTimeout          time.Duration
	CopyCachedResponseHeaders  bool
	ValidateOutdatedCache      bool
	SavePartialCache           bool
	SaveMetadata               bool
	SaveAllHeaders             bool
	UseGlobalHeaders           bool
	RequestHeaders             http.Header
	ResponseHeaders            http.Header
	CompletionLinger           time.Duration

	Logger         *slog.Logger
	RateController *ratecontrol.Controller
	HTTPClient     *http.Client

	// Checksum, when Algo is non-empty, is fed every downloaded byte and
	// validated against Digest once the download completes; a mismatch
	// is reported the same way an InvalidCacheLength mismatch is (spec.md
	// §4.3's length check, extended to a content hash).
	Checksum digests.Hash

	// BytesObserver, if set, is called with the cumulative download
	// position after every chunk is received. It exists so a Cache
	// Manager can track per-stream completeness (see manager.entryProgress)
	// without re-scanning partial files. Never called concurrently with
	// itself for a given stream.
	BytesObserver func(position int64)

	// HeadersObserver, if set, is called once per successful connection
	// with the origin's Cached Response Headers, before any chunk is
	// delivered. Used the same way as BytesObserver, to let a Cache
	// Manager size its completeness tracker without re-deriving headers
	// from the metadata file.
	HeadersObserver func(Headers)
}

// Option configures a Config. Unset fields fall back to the documented
// defaults in defaultConfig.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		MaxBufferSize:             DefaultMaxBufferSize,
		MinChunkSize:              DefaultMinChunkSize,
		SplitThresholdEnabled:     false,
		ReadTimeout:               DefaultReadTimeout,
		ValidationTimeout:         DefaultValidationTimeout,
		CopyCachedResponseHeaders: false,
		ValidateOutdatedCache:     false,
		SavePartialCache:          true,
		SaveMetadata:              true,
		SaveAllHeaders:            true,
		UseGlobalHeaders:          true,
		RequestHeaders:            make(http.Header),
		ResponseHeaders:           make(http.Header),
		CompletionLinger:          5 * time.Second,
	}
}

// NewConfig applies opts over the documented defaults and returns the
// resulting Config. It returns a configuration error, and no Config, when
// normalize rejects a value as out of range.
func NewConfig(opts ...Option) (Config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.MaxBufferSize < MinMaxBufferSize {
		return &configError{msg: "maxBufferSize must be >= 1 MiB"}
	}
	if c.MinChunkSize <= 0 {
		return &configError{msg: "minChunkSize must be > 0"}
	}
	if c.RangeRequestSplitThreshold < 0 {
		return &configError{msg: "rangeRequestSplitThreshold must be non-negative"}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	if c.RateController == nil {
		c.RateController = ratecontrol.New(ratecontrol.WithExponentialBackoff(defaultRetryBackoff, 1<<30))
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return nil
}

// configError is a synchronous, fatal configuration error (spec.md §7).
type configError struct{ msg string }

func (e *configError) Error() string { return "invalid configuration: " + e.msg }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// WithMaxBufferSize sets Config.MaxBufferSize.
func WithMaxBufferSize(n int) Option { return func(c *Config) { c.MaxBufferSize = n } }

// WithMinChunkSize sets Config.MinChunkSize.
func WithMinChunkSize(n int) Option { return func(c *Config) { c.MinChunkSize = n } }

// WithRangeRequestSplitThreshold enables split-range downloads for seeks
// further than n bytes ahead of the cache position.
func WithRangeRequestSplitThreshold(n int64) Option {
	return func(c *Config) {
		c.RangeRequestSplitThreshold = n
		c.SplitThresholdEnabled = true
	}
}

// WithReadTimeout sets Config.ReadTimeout.
func WithReadTimeout(d time.Duration) Option { return func(c *Config) { c.ReadTimeout = d } }

// WithCopyCachedResponseHeaders sets Config.CopyCachedResponseHeaders.
func WithCopyCachedResponseHeaders(v bool) Option {
	return func(c *Config) { c.CopyCachedResponseHeaders = v }
}

// WithValidateOutdatedCache sets Config.ValidateOutdatedCache.
func WithValidateOutdatedCache(v bool) Option {
	return func(c *Config) { c.ValidateOutdatedCache = v }
}

// WithSavePartialCache sets Config.SavePartialCache.
func WithSavePartialCache(v bool) Option { return func(c *Config) { c.SavePartialCache = v } }

// WithSaveMetadata sets Config.SaveMetadata.
func WithSaveMetadata(v bool) Option { return func(c *Config) { c.SaveMetadata = v } }

// WithSaveAllHeaders sets Config.SaveAllHeaders.
func WithSaveAllHeaders(v bool) Option { return func(c *Config) { c.SaveAllHeaders = v } }

// WithUseGlobalHeaders sets Config.UseGlobalHeaders.
func WithUseGlobalHeaders(v bool) Option { return func(c *Config) { c.UseGlobalHeaders = v } }

// WithRequestHeaders merges h over Config.RequestHeaders.
func WithRequestHeaders(h http.Header) Option {
	return func(c *Config) {
		for k, v := range h {
			c.RequestHeaders[k] = v
		}
	}
}

// WithResponseHeaders merges h over Config.ResponseHeaders.
func WithResponseHeaders(h http.Header) Option {
	return func(c *Config) {
		for k, v := range h {
			c.ResponseHeaders[k] = v
		}
	}
}

// WithLogger sets Config.Logger.
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithRateController sets Config.RateController.
func WithRateController(rc *ratecontrol.Controller) Option {
	return func(c *Config) { c.RateController = rc }
}

// WithHTTPClient sets Config.HTTPClient.
func WithHTTPClient(hc *http.Client) Option { return func(c *Config) { c.HTTPClient = hc } }

// WithCompletionLinger sets how long a completed Cache Downloader is kept
// around before being torn down, resolving the §9 "30s deferred cleanup"
// open question (see SPEC_FULL.md §5).
func WithCompletionLinger(d time.Duration) Option {
	return func(c *Config) { c.CompletionLinger = d }
}

// WithChecksum enables streaming validation of downloaded bytes against
// h: every chunk is written to h.Hash as it is received, and h.Validate()
// is checked once the download completes, before promotion to the
// complete file.
func WithChecksum(h digests.Hash) Option { return func(c *Config) { c.Checksum = h } }

// WithBytesObserver sets Config.BytesObserver.
func WithBytesObserver(fn func(position int64)) Option {
	return func(c *Config) { c.BytesObserver = fn }
}

// WithHeadersObserver sets Config.HeadersObserver.
func WithHeadersObserver(fn func(Headers)) Option {
	return func(c *Config) { c.HeadersObserver = fn }
}

// effectiveRequestHeaders combines global and per-stream request headers,
// per spec.md §6's useGlobalHeaders/requestHeaders rules: stream-level
// wins over global.
func effectiveRequestHeaders(global, stream http.Header, useGlobal bool) http.Header {
	out := make(http.Header)
	if useGlobal {
		for k, v := range global {
			out[k] = append([]string(nil), v...)
		}
	}
	for k, v := range stream {
		out[k] = append([]string(nil), v...)
	}
	return out
}
