// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package server implements the Loopback Server + Request Handler
// (spec.md §4.6): it binds to 127.0.0.1 on an ephemeral port, resolves an
// incoming request back to its registered source URL, and dispatches to
// the matching Cache Stream via the Cache Manager.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"cloudeng.io/mediacache/cachestream"
	"cloudeng.io/mediacache/manager"
	"cloudeng.io/sync/errgroup"
)

// Config holds the options for a Server.
type Config struct {
	// ReadTimeout bounds both socket writes and the cache lookup itself;
	// spec.md §6: "a per-request write timeout equal to readTimeout
	// destroys the socket if no progress is made."
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

func defaultConfig() Config {
	return Config{ReadTimeout: 30 * time.Second}
}

// Option configures a Server.
type Option func(*Config)

// WithReadTimeout sets Config.ReadTimeout.
func WithReadTimeout(d time.Duration) Option { return func(c *Config) { c.ReadTimeout = d } }

// WithLogger sets Config.Logger.
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// Server is the Loopback Server (spec.md §4.6). The zero value is not
// usable; construct with New.
type Server struct {
	mgr *manager.Manager
	cfg Config

	mu       sync.Mutex
	registry map[string]*registeredSource // request "path?query" -> source.

	ln     net.Listener
	httpSv *http.Server
	group  *errgroup.T
}

// New creates a Server dispatching to mgr. It does not bind a port until
// Start is called.
func New(mgr *manager.Manager, opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{mgr: mgr, cfg: cfg, registry: make(map[string]*registeredSource)}
}

// registeredSource binds a lookup key to the Cache Stream the Cache
// Manager retained on its behalf.
type registeredSource struct {
	sourceURL string
	stream    *cachestream.CacheStream
}

// RegisterSource retains (creating if necessary) the Cache Stream for
// sourceURL, records it against its path+query as the lookup key, and
// returns the loopback Cache URL the player should request instead
// (spec.md GLOSSARY "Cache URL": "identical path/query, rewritten
// scheme/host/port"). Start must have been called first. The caller must
// eventually call UnregisterSource.
func (s *Server) RegisterSource(sourceURL string) (string, error) {
	u, err := parseAndValidateSourceURL(sourceURL)
	if err != nil {
		return "", err
	}
	key := lookupKey(u.EscapedPath(), u.RawQuery)

	s.mu.Lock()
	var addr net.Addr
	if s.ln != nil {
		addr = s.ln.Addr()
	}
	s.mu.Unlock()
	if addr == nil {
		return "", fmt.Errorf("mediacache/server: Start must be called before RegisterSource")
	}

	stream := s.mgr.Get(sourceURL)

	s.mu.Lock()
	if prev, ok := s.registry[key]; ok && prev.sourceURL != sourceURL {
		s.mu.Unlock()
		s.mgr.Release(sourceURL, false)
		return "", fmt.Errorf("mediacache/server: path %q already registered to a different source", key)
	}
	s.registry[key] = &registeredSource{sourceURL: sourceURL, stream: stream}
	s.mu.Unlock()

	return fmt.Sprintf("http://%s%s", addr.String(), key), nil
}

// UnregisterSource releases the Cache Stream retained by a prior
// RegisterSource call for sourceURL and forgets its lookup key.
func (s *Server) UnregisterSource(sourceURL string) {
	u, err := parseAndValidateSourceURL(sourceURL)
	if err != nil {
		return
	}
	key := lookupKey(u.EscapedPath(), u.RawQuery)

	s.mu.Lock()
	_, ok := s.registry[key]
	delete(s.registry, key)
	s.mu.Unlock()
	if ok {
		s.mgr.Release(sourceURL, false)
	}
}

func (s *Server) lookup(path, rawQuery string) (*registeredSource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.registry[lookupKey(path, rawQuery)]
	return rs, ok
}

// Addr returns the server's listening address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds 127.0.0.1 on an ephemeral port (or addr, if non-empty) and
// serves requests until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mediacache/server: listen: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.httpSv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}
	s.mu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	s.group = group
	group.Go(func() error {
		err := s.httpSv.Serve(ln)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSv.Shutdown(shutdownCtx)
	})
	return nil
}

// Wait blocks until the server has stopped, returning the first error
// encountered by either the accept loop or the shutdown goroutine.
func (s *Server) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Close shuts the server down immediately, closing the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	httpSv := s.httpSv
	s.mu.Unlock()
	if httpSv == nil {
		return nil
	}
	return httpSv.Close()
}

func lookupKey(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}
