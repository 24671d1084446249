// SPDX-License-Identifier: MIT

// Command daemon runs the guidepipe ingestion service: periodic EPG
// refreshes, stream reconciliation and the ops endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/guidepipe/guidepipe/internal/config"
	"github.com/guidepipe/guidepipe/internal/ingest"
	"github.com/guidepipe/guidepipe/internal/jobs"
	gplog "github.com/guidepipe/guidepipe/internal/log"
	"github.com/guidepipe/guidepipe/internal/normalize"
	"github.com/guidepipe/guidepipe/internal/persistence/sqlite"
	"github.com/guidepipe/guidepipe/internal/playlist"
	"github.com/guidepipe/guidepipe/internal/probe"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	runOnce := flag.Bool("once", false, "run a single refresh and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	gplog.Configure(gplog.Config{Level: cfg.LogLevel, Service: "guidepipe"})
	logger := gplog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("cannot create data directory")
	}

	db, err := sqlite.Open(cfg.DBPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot open database")
	}
	defer db.Close()
	store := sqlite.NewStore(db)
	if err := store.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("cannot initialize schema")
	}

	cache, err := probe.OpenCache(filepath.Join(cfg.DataDir, "probecache"), cfg.ProbeCacheTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot open probe cache")
	}
	defer cache.Close()

	prober := probe.New(&http.Client{}, cache, probe.Config{Timeout: cfg.ProbeTimeout})

	var discoveries []ingest.Discovery
	for _, path := range cfg.PlaylistPaths {
		discoveries = append(discoveries, &playlist.Discovery{Path: path})
	}

	// Rules are hot-reloadable so vocabulary fixes don't need a restart.
	var rules atomic.Pointer[normalize.Rules]
	rules.Store(mustLoadRules(cfg, logger))
	if cfg.RulesPath != "" {
		go watchRules(ctx, cfg.RulesPath, func(r *normalize.Rules) {
			rules.Store(r)
			logger.Info().
				Str("event", "rules.reloaded").
				Str("path", cfg.RulesPath).
				Msg("normalization rules reloaded")
		})
	}

	var lastStatus atomic.Pointer[jobs.Status]
	if cfg.ListenAddr != "" {
		srv := opsServer(cfg.ListenAddr, &lastStatus)
		go func() {
			logger.Info().
				Str("event", "ops.listen").
				Str("addr", cfg.ListenAddr).
				Msg("ops endpoints listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("ops server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	refresh := func() error {
		deps := jobs.Deps{
			Store:       store,
			Prober:      prober,
			Discoveries: discoveries,
			Rules:       rules.Load(),
		}
		status, err := jobs.Refresh(ctx, cfg, deps)
		lastStatus.Store(&status)
		if err != nil {
			logger.Error().
				Str("event", "refresh.failed").
				Str("run_id", status.RunID).
				Err(err).
				Msg("refresh run had failures")
		}
		return err
	}

	if *runOnce || cfg.Interval == 0 {
		if err := refresh(); err != nil {
			os.Exit(1)
		}
		return
	}

	// First run immediately, then on the interval until shutdown.
	_ = refresh()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("event", "daemon.shutdown").Msg("shutting down")
			return
		case <-ticker.C:
			_ = refresh()
		}
	}
}

// mustLoadRules resolves the starting rule set: file if configured, built-in
// defaults otherwise. A broken rules file at startup is fatal; at reload time
// it is only logged and the previous rules stay active.
func mustLoadRules(cfg config.AppConfig, logger zerolog.Logger) *normalize.Rules {
	if cfg.RulesPath == "" {
		return normalize.DefaultRules()
	}
	rules, err := normalize.LoadRules(cfg.RulesPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.RulesPath).Msg("cannot load normalization rules")
	}
	return rules
}
