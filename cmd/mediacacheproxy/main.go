// Copyright 2025 cloudeng llc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command mediacacheproxy runs the loopback caching proxy (spec.md §4.6)
// standalone: every URL given on the command line is registered (and,
// with -precache, pre-cached), its rewritten Cache URL printed to stdout,
// and the server then runs until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloudeng.io/cmdutil"
	"cloudeng.io/mediacache/cachestream"
	"cloudeng.io/mediacache/config"
	"cloudeng.io/mediacache/manager"
	"cloudeng.io/mediacache/server"
)

var (
	configFile = flag.String("config", "", "path to a YAML configuration file (see config.File)")
	cacheDir   = flag.String("cache-dir", "", "cache directory; overrides the config file's cacheDir")
	listenAddr = flag.String("listen", "", "loopback address to bind, e.g. 127.0.0.1:8080; empty picks an ephemeral port")
	precache   = flag.Bool("precache", false, "pre-cache every registered URL at startup instead of on first request")
	verbose    = flag.Bool("v", false, "enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if bi := cmdutil.BuildInfoJSON(); bi != nil {
		logger.Info("mediacacheproxy starting", "buildinfo", string(bi))
	}

	cfg, err := loadConfig()
	if err != nil {
		cmdutil.Exit("%v", err)
	}

	ctx, cancel := cmdutil.HandleInterrupt(context.Background())
	defer cancel(nil)

	if err := run(ctx, cfg, flag.Args()); err != nil {
		cmdutil.Exit("%v", err)
	}
}

// proxyConfig is the resolved configuration after merging the optional
// YAML file with command-line overrides.
type proxyConfig struct {
	cacheDir      string
	listenAddr    string
	streamOptions []cachestream.Option
	serverOptions []server.Option
}

func loadConfig() (*proxyConfig, error) {
	pc := &proxyConfig{cacheDir: *cacheDir, listenAddr: *listenAddr}
	if *configFile != "" {
		f, err := config.Load(*configFile)
		if err != nil {
			return nil, fmt.Errorf("mediacacheproxy: %w", err)
		}
		if pc.cacheDir == "" {
			pc.cacheDir = f.CacheDir
		}
		if pc.listenAddr == "" {
			pc.listenAddr = f.ListenAddr
		}
		pc.streamOptions = f.StreamOptions()
		pc.serverOptions = f.ServerOptions()
	}
	if pc.cacheDir == "" {
		return nil, fmt.Errorf("mediacacheproxy: -cache-dir (or config.cacheDir) is required")
	}
	return pc, nil
}

func run(ctx context.Context, pc *proxyConfig, sourceURLs []string) error {
	cfg, err := cachestream.NewConfig(append(pc.streamOptions, cachestream.WithLogger(slog.Default()))...)
	if err != nil {
		return fmt.Errorf("mediacacheproxy: %w", err)
	}

	mgr := manager.New(pc.cacheDir, cfg)
	sv := server.New(mgr, append(pc.serverOptions, server.WithLogger(slog.Default()))...)

	if err := sv.Start(ctx, pc.listenAddr); err != nil {
		return fmt.Errorf("mediacacheproxy: %w", err)
	}
	defer sv.Close()

	for _, src := range sourceURLs {
		cacheURL, err := sv.RegisterSource(src)
		if err != nil {
			return fmt.Errorf("mediacacheproxy: registering %q: %w", src, err)
		}
		fmt.Printf("%s -> %s\n", src, cacheURL)
		if *precache {
			precacheCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			err := mgr.PreCacheURL(precacheCtx, src)
			cancel()
			if err != nil {
				slog.Default().Warn("mediacacheproxy: pre-cache failed", "url", src, "err", err)
			}
		}
	}

	slog.Default().Info("mediacacheproxy: serving", "addr", sv.Addr())
	return sv.Wait()
}
