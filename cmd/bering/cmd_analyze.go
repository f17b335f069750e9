// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/BeringQuant/BeringFOSS/services/research/cache"
	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
	"github.com/BeringQuant/BeringFOSS/services/research/financials"
	"github.com/BeringQuant/BeringFOSS/services/research/identity"
	"github.com/BeringQuant/BeringFOSS/services/research/marketdata"
	"github.com/BeringQuant/BeringFOSS/services/research/pipeline"
	"github.com/BeringQuant/BeringFOSS/services/research/rules"
	"github.com/BeringQuant/BeringFOSS/services/research/state"
)

// AnalyzeResult is the machine output of one CLI analysis.
type AnalyzeResult struct {
	AnalysisID string               `json:"analysis_id"`
	ThreadID   string               `json:"thread_id"`
	Symbol     string               `json:"symbol"`
	Company    string               `json:"company_name"`
	AsOf       time.Time            `json:"as_of"`
	Flags      []datatypes.RiskFlag `json:"flags"`
}

func runAnalyze(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()
	ctx := context.Background()

	asOf := time.Now().UTC()
	if asOfDate != "" {
		parsed, err := time.Parse("2006-01-02", asOfDate)
		if err != nil {
			os.Exit(OutputResult(out, "analyze", start, nil, false,
				fmt.Errorf("invalid --as-of %q: %w", asOfDate, err)))
		}
		asOf = parsed
	}

	pipe, err := buildLocalPipeline()
	if err != nil {
		os.Exit(OutputResult(out, "analyze", start, nil, false, err))
	}

	result, err := analyze(ctx, pipe, args[0], asOf, threadID)
	if err != nil {
		os.Exit(OutputResult(out, "analyze", start, nil, false, err))
	}

	hasFindings := len(result.Flags) > 0
	if !out.JSON && !out.Quiet {
		printAnalysis(result)
	}
	os.Exit(OutputResult(out, "analyze", start, result, hasFindings, nil))
}

// analyze runs the pipeline under the given thread, minting a thread ID
// when the caller did not supply one so the result always carries the
// handle the checkpoint commands need.
func analyze(ctx context.Context, pipe *pipeline.Pipeline, query string, asOf time.Time, thread string) (AnalyzeResult, error) {
	if thread == "" {
		thread = uuid.NewString()
	}

	snap, err := pipe.Analyze(ctx, query, asOf, thread)
	if err != nil {
		return AnalyzeResult{}, err
	}

	return AnalyzeResult{
		AnalysisID: snap.AnalysisID,
		ThreadID:   thread,
		Symbol:     snap.Symbol,
		Company:    snap.CompanyName,
		AsOf:       snap.AsOf,
		Flags:      snap.Rules.Flags,
	}, nil
}

func printAnalysis(r AnalyzeResult) {
	fmt.Printf("%s (%s) as of %s\n", r.Symbol, r.Company, r.AsOf.Format("2006-01-02"))
	fmt.Printf("Snapshot: %s\n", r.AnalysisID)
	if len(r.Flags) == 0 {
		fmt.Println("No risk flags raised.")
		return
	}
	fmt.Printf("Risk flags (%d):\n", len(r.Flags))
	for _, f := range r.Flags {
		fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Code, f.Title)
	}
	if stdoutIsTerminal() {
		fmt.Println("\nRun 'bering snapshot show' with the snapshot ID for full details.")
	}
}

// buildLocalPipeline assembles a single-process pipeline from the
// loaded configuration: in-memory cache, filesystem checkpoints, the
// Stooq provider, and financials when an API key is present.
func buildLocalPipeline() (*pipeline.Pipeline, error) {
	ttlCache := cache.NewMemory()

	mgrOpts := []state.Option{state.WithLogger(slog.Default())}
	dir := cfg.Checkpoints.Dir
	if checkpointsDir != "" {
		dir = checkpointsDir
	}
	if dir != "" {
		store, err := state.NewFSStore(dir)
		if err != nil {
			return nil, err
		}
		mgrOpts = append(mgrOpts, state.WithStore(store))
	}
	mgr := state.NewManager(mgrOpts...)

	stooq := marketdata.NewStooqProvider(marketdata.WithRateLimit(cfg.Providers.StooqRPS))
	market := marketdata.NewService(ttlCache, stooq,
		marketdata.WithTTL(cfg.Cache.DefaultTTL.Std()),
		marketdata.WithLogger(slog.Default()),
	)

	var finSource pipeline.FinancialsSource
	if key := os.Getenv(cfg.Providers.AlphaVantageKeyEnv); key != "" {
		av, err := financials.NewAlphaVantageProvider([]byte(key),
			financials.WithRateLimit(cfg.Providers.AlphaVantageRPS))
		if err != nil {
			return nil, err
		}
		finSource = financials.NewService(ttlCache, av, slog.Default())
	}

	engine := rules.NewEngine()
	if cfg.Rules.File != "" {
		table, err := rules.LoadTable(cfg.Rules.File)
		if err != nil {
			return nil, err
		}
		engine, err = rules.NewEngineWithTable(table)
		if err != nil {
			return nil, err
		}
	}

	resolver, err := identity.NewResolver()
	if err != nil {
		return nil, err
	}

	snapDir := cfg.Snapshots.Dir
	if snapshotsDir != "" {
		snapDir = snapshotsDir
	}

	return pipeline.New(mgr, resolver, market, finSource, engine, pipeline.Config{
		RangeDays:    cfg.Providers.RangeDays,
		MinBars:      cfg.Providers.MinBars,
		SnapshotsDir: snapDir,
	}, slog.Default()), nil
}
