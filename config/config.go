// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package config loads the proxy's static, on-disk configuration (spec.md
// §6) from a YAML document, in addition to the programmatic
// cachestream.Option / server.Option layers used by code that embeds the
// packages directly.
package config

import (
	"fmt"
	"net/http"
	"time"

	"cloudeng.io/cmdutil"
	"cloudeng.io/mediacache/cachestream"
	"cloudeng.io/mediacache/server"
)

// File is the top-level YAML document. Field names follow spec.md §6's
// configuration table; zero values are left at cachestream's own
// defaults by StreamOptions. Only CacheDir is required.
type File struct {
	// CacheDir is where the complete/.part/.metadata file triples are
	// written. Required.
	CacheDir string `yaml:"cacheDir"`
	// ListenAddr is the loopback address the server binds; empty means
	// an ephemeral 127.0.0.1 port.
	ListenAddr string `yaml:"listenAddr"`

	MaxBufferSize              int           `yaml:"maxBufferSize"`
	MinChunkSize               int           `yaml:"minChunkSize"`
	RangeRequestSplitThreshold *int64        `yaml:"rangeRequestSplitThreshold"`
	ReadTimeout                time.Duration `yaml:"readTimeout"`
	ValidationTimeout          time.Duration `yaml:"validationTimeout"`
	CompletionLinger           time.Duration `yaml:"completionLinger"`

	CopyCachedResponseHeaders bool `yaml:"copyCachedResponseHeaders"`
	ValidateOutdatedCache     bool `yaml:"validateOutdatedCache"`
	SavePartialCache          *bool `yaml:"savePartialCache"`
	SaveMetadata              *bool `yaml:"saveMetadata"`
	SaveAllHeaders            *bool `yaml:"saveAllHeaders"`
	UseGlobalHeaders          *bool `yaml:"useGlobalHeaders"`

	RequestHeaders  map[string]string `yaml:"requestHeaders"`
	ResponseHeaders map[string]string `yaml:"responseHeaders"`
}

// Load reads and parses path, using cmdutil's YAML loader so parse errors
// are reported with the offending source line, same as the teacher's
// other YAML-fed commands.
func Load(path string) (*File, error) {
	var f File
	if err := cmdutil.ParseYAMLConfigFile(path, &f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the fields that cachestream.Config.normalize would
// otherwise only catch deep inside stream construction, so that a bad
// config file is rejected at startup rather than on the first request.
func (f *File) Validate() error {
	if f.CacheDir == "" {
		return fmt.Errorf("config: cacheDir is required")
	}
	if f.MaxBufferSize != 0 && f.MaxBufferSize < cachestream.MinMaxBufferSize {
		return fmt.Errorf("config: maxBufferSize must be >= %d bytes", cachestream.MinMaxBufferSize)
	}
	if f.MinChunkSize < 0 {
		return fmt.Errorf("config: minChunkSize must be non-negative")
	}
	if f.RangeRequestSplitThreshold != nil && *f.RangeRequestSplitThreshold < 0 {
		return fmt.Errorf("config: rangeRequestSplitThreshold must be non-negative")
	}
	return nil
}

// StreamOptions turns File into the cachestream.Option sequence that
// reproduces it, leaving anything unset at cachestream's own defaults.
// ValidationTimeout is not translated into an option; the stream keeps
// cachestream's default validation timeout.
func (f *File) StreamOptions() []cachestream.Option {
	var opts []cachestream.Option
	if f.MaxBufferSize != 0 {
		opts = append(opts, cachestream.WithMaxBufferSize(f.MaxBufferSize))
	}
	if f.MinChunkSize != 0 {
		opts = append(opts, cachestream.WithMinChunkSize(f.MinChunkSize))
	}
	if f.RangeRequestSplitThreshold != nil {
		opts = append(opts, cachestream.WithRangeRequestSplitThreshold(*f.RangeRequestSplitThreshold))
	}
	if f.ReadTimeout != 0 {
		opts = append(opts, cachestream.WithReadTimeout(f.ReadTimeout))
	}
	if f.CompletionLinger != 0 {
		opts = append(opts, cachestream.WithCompletionLinger(f.CompletionLinger))
	}
	opts = append(opts,
		cachestream.WithCopyCachedResponseHeaders(f.CopyCachedResponseHeaders),
		cachestream.WithValidateOutdatedCache(f.ValidateOutdatedCache),
	)
	if f.SavePartialCache != nil {
		opts = append(opts, cachestream.WithSavePartialCache(*f.SavePartialCache))
	}
	if f.SaveMetadata != nil {
		opts = append(opts, cachestream.WithSaveMetadata(*f.SaveMetadata))
	}
	if f.SaveAllHeaders != nil {
		opts = append(opts, cachestream.WithSaveAllHeaders(*f.SaveAllHeaders))
	}
	if f.UseGlobalHeaders != nil {
		opts = append(opts, cachestream.WithUseGlobalHeaders(*f.UseGlobalHeaders))
	}
	if len(f.RequestHeaders) > 0 {
		opts = append(opts, cachestream.WithRequestHeaders(toHeader(f.RequestHeaders)))
	}
	if len(f.ResponseHeaders) > 0 {
		opts = append(opts, cachestream.WithResponseHeaders(toHeader(f.ResponseHeaders)))
	}
	return opts
}

// ServerOptions returns the server.Option sequence implied by File.
func (f *File) ServerOptions() []server.Option {
	var opts []server.Option
	if f.ReadTimeout != 0 {
		opts = append(opts, server.WithReadTimeout(f.ReadTimeout))
	}
	return opts
}

func toHeader(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
