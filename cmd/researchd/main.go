// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// researchd is the dashboard API daemon. It wires the configured cache
// and checkpoint backends, the data providers, the rule engine, and
// the pipeline behind the gin API, then serves until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"

	"github.com/BeringQuant/BeringFOSS/pkg/logging"
	"github.com/BeringQuant/BeringFOSS/pkg/telemetry"
	"github.com/BeringQuant/BeringFOSS/services/dashboard/handlers"
	"github.com/BeringQuant/BeringFOSS/services/dashboard/observability"
	"github.com/BeringQuant/BeringFOSS/services/dashboard/routes"
	"github.com/BeringQuant/BeringFOSS/services/research/cache"
	"github.com/BeringQuant/BeringFOSS/services/research/config"
	"github.com/BeringQuant/BeringFOSS/services/research/financials"
	"github.com/BeringQuant/BeringFOSS/services/research/identity"
	"github.com/BeringQuant/BeringFOSS/services/research/marketdata"
	"github.com/BeringQuant/BeringFOSS/services/research/pipeline"
	"github.com/BeringQuant/BeringFOSS/services/research/rules"
	"github.com/BeringQuant/BeringFOSS/services/research/state"
	storagebadger "github.com/BeringQuant/BeringFOSS/services/research/storage/badger"
	"github.com/BeringQuant/BeringFOSS/services/research/timeseries"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := os.Getenv("BERING_CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("researchd: load config: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Service: "researchd",
		JSON:    cfg.Logging.JSON,
	})
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("researchd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	telcfg := telemetry.DefaultConfig()
	telcfg.ServiceName = "bering-researchd"
	telcfg.TraceExporter = cfg.Telemetry.TraceExporter
	telcfg.MetricExporter = cfg.Telemetry.MetricExporter
	if cfg.Telemetry.OTLPEndpoint != "" {
		telcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Error("researchd: telemetry shutdown", "error", err)
		}
	}()

	observability.InitMetrics()

	// Cache backend.
	var ttlCache cache.Cache
	switch cfg.Cache.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.Cache.NATSURL)
		if err != nil {
			return fmt.Errorf("connect NATS %s: %w", cfg.Cache.NATSURL, err)
		}
		defer nc.Close()
		kv, err := cache.NewKV(ctx, nc, cache.KVConfig{Bucket: cfg.Cache.Bucket})
		if err != nil {
			return fmt.Errorf("open KV bucket %s: %w", cfg.Cache.Bucket, err)
		}
		ttlCache = kv
		slog.Info("researchd: using NATS KV cache", "bucket", cfg.Cache.Bucket)
	default:
		ttlCache = cache.NewMemory()
		slog.Info("researchd: using in-memory cache")
	}

	// Checkpoint store.
	mgrOpts := []state.Option{state.WithLogger(slog.Default())}
	switch cfg.Checkpoints.Store {
	case "fs":
		store, err := state.NewFSStore(cfg.Checkpoints.Dir)
		if err != nil {
			return fmt.Errorf("open checkpoint dir %s: %w", cfg.Checkpoints.Dir, err)
		}
		mgrOpts = append(mgrOpts, state.WithStore(store))
	case "cache":
		mgrOpts = append(mgrOpts, state.WithStore(state.NewCacheStore(ttlCache, 0)))
	case "badger":
		db, err := storagebadger.OpenDB(storagebadger.Config{
			Path:              cfg.Checkpoints.BadgerPath,
			SyncWrites:        true,
			NumVersionsToKeep: 1,
			Logger:            slog.Default(),
		})
		if err != nil {
			return fmt.Errorf("open badger at %s: %w", cfg.Checkpoints.BadgerPath, err)
		}
		defer db.Close()
		store, err := state.NewBadgerStore(db)
		if err != nil {
			return fmt.Errorf("badger checkpoint store: %w", err)
		}
		mgrOpts = append(mgrOpts, state.WithStore(store))
	case "none":
		slog.Warn("researchd: checkpoints are in-memory only")
	}

	feed := state.NewEventFeed()
	mgrOpts = append(mgrOpts, state.WithEvents(feed))
	mgr := state.NewManager(mgrOpts...)

	// Market data, with the optional Influx mirror.
	var bars handlers.BarReader = timeseries.NopSink{}
	marketOpts := []marketdata.ServiceOption{
		marketdata.WithTTL(cfg.Cache.DefaultTTL.Std()),
		marketdata.WithLogger(slog.Default()),
	}
	if cfg.Influx.Enabled {
		token := os.Getenv(cfg.Influx.TokenEnv)
		sink := timeseries.NewInfluxSink(cfg.Influx.URL, token, cfg.Influx.Org, cfg.Influx.Bucket, slog.Default())
		defer sink.Close()
		bars = sink
		marketOpts = append(marketOpts, marketdata.WithSink(sink))
		slog.Info("researchd: mirroring bars to InfluxDB", "url", cfg.Influx.URL)
	}
	stooq := marketdata.NewStooqProvider(marketdata.WithRateLimit(cfg.Providers.StooqRPS))
	market := marketdata.NewService(ttlCache, stooq, marketOpts...)

	// Financials are optional: without a provider key every run
	// proceeds with an empty statement list.
	var finSource pipeline.FinancialsSource
	if key := os.Getenv(cfg.Providers.AlphaVantageKeyEnv); key != "" {
		av, err := financials.NewAlphaVantageProvider([]byte(key),
			financials.WithRateLimit(cfg.Providers.AlphaVantageRPS))
		if err != nil {
			return fmt.Errorf("alpha vantage provider: %w", err)
		}
		finSource = financials.NewService(ttlCache, av, slog.Default())
	} else {
		slog.Warn("researchd: no financials API key, running without financials",
			"env", cfg.Providers.AlphaVantageKeyEnv)
	}

	// Rule table: compiled-in defaults, or a YAML file with optional
	// hot reload.
	engine := rules.NewEngine()
	if cfg.Rules.File != "" {
		table, err := rules.LoadTable(cfg.Rules.File)
		if err != nil {
			return fmt.Errorf("load rule table %s: %w", cfg.Rules.File, err)
		}
		engine, err = rules.NewEngineWithTable(table)
		if err != nil {
			return fmt.Errorf("rule table %s: %w", cfg.Rules.File, err)
		}
		if cfg.Rules.HotReload {
			watcher, err := rules.NewWatcher(engine, cfg.Rules.File, slog.Default())
			if err != nil {
				return fmt.Errorf("rule watcher: %w", err)
			}
			watcher.Start(ctx)
		}
	}

	resolver, err := identity.NewResolver()
	if err != nil {
		return fmt.Errorf("identity resolver: %w", err)
	}

	pipe := pipeline.New(mgr, resolver, market, finSource, engine, pipeline.Config{
		RangeDays:    cfg.Providers.RangeDays,
		MinBars:      cfg.Providers.MinBars,
		SnapshotsDir: cfg.Snapshots.Dir,
	}, slog.Default())

	if os.Getenv("BERING_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, routes.Deps{
		Analyzer:     pipe,
		Manager:      mgr,
		Events:       feed,
		Bars:         bars,
		SnapshotsDir: cfg.Snapshots.Dir,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("researchd: listening", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("researchd: shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
