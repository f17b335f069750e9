// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline orchestrates one end-to-end research run.
//
// A run moves a session through the staged pipeline — identify, fetch
// data, compute metrics, evaluate rules, snapshot — recording every
// mutation in the state manager and checkpointing after each stage, so
// a dashboard can replay or roll back any run. Market data is fatal;
// financials degrade to an empty list with a warning.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BeringQuant/BeringFOSS/services/research/analytics"
	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
	"github.com/BeringQuant/BeringFOSS/services/research/snapshot"
	"github.com/BeringQuant/BeringFOSS/services/research/state"
)

// tracer covers pipeline stages; package metrics stay on the hot paths
// below this layer.
var tracer = otel.Tracer("bering.research.pipeline")

// Stage node names, in pipeline order. These appear in checkpoint
// listings and the dashboard timeline.
const (
	nodeInit           = "init"
	nodeIdentify       = "identify"
	nodeFetchData      = "fetch_data"
	nodeComputeMetrics = "compute_metrics"
	nodeEvaluateRules  = "evaluate_rules"
	nodeSnapshot       = "snapshot"
)

// financialsLookback is how many quarters GetLatest walks back before
// giving up (reports often trail quarter end by weeks).
const financialsLookback = 4

// IdentityResolver maps a free-text query to a company identity.
type IdentityResolver interface {
	Resolve(query string) (datatypes.CompanyIdentity, error)
}

// MarketRange returns a complete daily series for a symbol and range.
type MarketRange interface {
	GetDailyRange(ctx context.Context, symbol string, start, end time.Time, minBars int) (datatypes.MarketData, error)
}

// FinancialsSource returns the newest reported quarterly statement.
type FinancialsSource interface {
	GetLatest(ctx context.Context, symbol string, asOf time.Time, lookback int) (datatypes.FinancialStatement, error)
}

// RuleEvaluator runs the current rule table over computed metrics.
type RuleEvaluator interface {
	Evaluate(technicals datatypes.TechnicalIndicators, risk datatypes.RiskMetrics) (datatypes.RuleResults, error)
}

// Config tunes a pipeline.
type Config struct {
	// RangeDays is the size of the market data window ending at as-of.
	RangeDays int

	// MinBars is the cache completeness gate for the window.
	MinBars int

	// SnapshotsDir receives content-addressed snapshot files; empty
	// disables persistence.
	SnapshotsDir string
}

// DefaultPipelineConfig covers roughly six months of trading days.
func DefaultPipelineConfig() Config {
	return Config{RangeDays: 180, MinBars: 60}
}

// Pipeline runs staged research sessions against one state manager.
//
// # Thread Safety
//
// Safe for concurrent use; concurrent runs are isolated by thread ID
// through per-run Session handles.
type Pipeline struct {
	manager    *state.Manager
	resolver   IdentityResolver
	market     MarketRange
	financials FinancialsSource
	rules      RuleEvaluator
	cfg        Config
	logger     *slog.Logger
}

// New assembles a pipeline. financials may be nil (no provider key
// configured): every run then proceeds with an empty statement list.
func New(manager *state.Manager, resolver IdentityResolver, market MarketRange, financials FinancialsSource, rules RuleEvaluator, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		manager:    manager,
		resolver:   resolver,
		market:     market,
		financials: financials,
		rules:      rules,
		cfg:        cfg,
		logger:     logger,
	}
}

// Analyze runs the full pipeline for one query and returns the built
// (and, when configured, persisted) snapshot.
//
// An empty threadID starts a fresh session under a generated ID. Every
// stage checkpoints on success; a failing stage records its error on
// the step metadata and the stage span, then propagates.
func (p *Pipeline) Analyze(ctx context.Context, query string, asOf time.Time, threadID string) (*datatypes.AnalysisSnapshot, error) {
	asOf = asOf.UTC()

	ctx, span := tracer.Start(ctx, "pipeline.analyze",
		trace.WithAttributes(
			attribute.String("query", query),
			attribute.String("as_of", asOf.Format("2006-01-02")),
		))
	defer span.End()

	st := p.manager.InitState(query, threadID)
	session := p.manager.Session(st.ThreadID)
	span.SetAttributes(attribute.String("thread_id", st.ThreadID))

	if _, err := session.SaveCheckpoint(ctx, nodeInit); err != nil {
		return nil, p.fail(ctx, span, session, nodeInit, err)
	}

	// Stage: identify.
	identity, err := p.identify(ctx, session, query)
	if err != nil {
		return nil, p.fail(ctx, span, session, nodeIdentify, err)
	}

	// Stage: fetch data.
	md, fins, err := p.fetchData(ctx, session, identity.Symbol, asOf)
	if err != nil {
		return nil, p.fail(ctx, span, session, nodeFetchData, err)
	}

	// Stage: compute metrics.
	tech, risk, err := p.computeMetrics(ctx, session, md, asOf)
	if err != nil {
		return nil, p.fail(ctx, span, session, nodeComputeMetrics, err)
	}

	// Stage: evaluate rules.
	results, err := p.evaluateRules(ctx, session, tech, risk)
	if err != nil {
		return nil, p.fail(ctx, span, session, nodeEvaluateRules, err)
	}

	// Stage: snapshot.
	snap, err := p.buildSnapshot(ctx, session, identity, asOf, md, fins, tech, risk, results)
	if err != nil {
		return nil, p.fail(ctx, span, session, nodeSnapshot, err)
	}

	p.logger.Info("pipeline: analysis complete",
		slog.String("thread_id", st.ThreadID),
		slog.String("symbol", identity.Symbol),
		slog.String("analysis_id", snap.AnalysisID),
		slog.Int("flags", len(results.Flags)),
	)
	return snap, nil
}

// fail records a stage failure on the step metadata and the run span.
func (p *Pipeline) fail(ctx context.Context, span trace.Span, session *state.Session, node string, err error) error {
	p.manager.MarkStepError(session.ThreadID(), node, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, node)
	p.logger.Error("pipeline: stage failed",
		slog.String("thread_id", session.ThreadID()),
		slog.String("stage", node),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("pipeline: %s: %w", node, err)
}

func (p *Pipeline) identify(ctx context.Context, session *state.Session, query string) (datatypes.CompanyIdentity, error) {
	ctx, span := tracer.Start(ctx, "pipeline.identify")
	defer span.End()

	identity, err := p.resolver.Resolve(query)
	if err != nil {
		span.RecordError(err)
		return datatypes.CompanyIdentity{}, err
	}
	span.SetAttributes(
		attribute.String("symbol", identity.Symbol),
		attribute.String("matched_on", identity.MatchedOn),
	)

	if _, err := session.Update(datatypes.FieldTarget, identity); err != nil {
		return datatypes.CompanyIdentity{}, err
	}
	if _, err := session.SaveCheckpoint(ctx, nodeIdentify); err != nil {
		return datatypes.CompanyIdentity{}, err
	}
	return identity, nil
}

func (p *Pipeline) fetchData(ctx context.Context, session *state.Session, symbol string, asOf time.Time) (datatypes.MarketData, []datatypes.FinancialStatement, error) {
	ctx, span := tracer.Start(ctx, "pipeline.fetch_data")
	defer span.End()

	var (
		md   datatypes.MarketData
		fins = []datatypes.FinancialStatement{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		md, err = p.market.GetDailyRange(gctx, symbol, asOf.AddDate(0, 0, -p.cfg.RangeDays), asOf, p.cfg.MinBars)
		return err
	})
	g.Go(func() error {
		if p.financials == nil {
			return nil
		}
		st, err := p.financials.GetLatest(gctx, symbol, asOf, financialsLookback)
		if err != nil {
			// Degradable: analysis proceeds without financials.
			p.logger.Warn("pipeline: financials unavailable, continuing without",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			return nil
		}
		fins = append(fins, st)
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return datatypes.MarketData{}, nil, err
	}
	span.SetAttributes(
		attribute.Int("bars", len(md.Bars)),
		attribute.Int("financial_quarters", len(fins)),
	)

	dataStore := map[string]any{
		"market_data": md,
		"financials":  fins,
	}
	if _, err := session.Update(datatypes.FieldDataStore, dataStore); err != nil {
		return datatypes.MarketData{}, nil, err
	}
	if _, err := session.SaveCheckpoint(ctx, nodeFetchData); err != nil {
		return datatypes.MarketData{}, nil, err
	}
	return md, fins, nil
}

func (p *Pipeline) computeMetrics(ctx context.Context, session *state.Session, md datatypes.MarketData, asOf time.Time) (datatypes.TechnicalIndicators, datatypes.RiskMetrics, error) {
	ctx, span := tracer.Start(ctx, "pipeline.compute_metrics")
	defer span.End()

	tech := analytics.ComputeTechnicals(md.Bars, asOf)
	risk := analytics.ComputeRisk(md.Bars, asOf)

	metrics := map[string]any{
		"technicals": tech,
		"risk":       risk,
	}
	if _, err := session.Update(datatypes.FieldAnalyticMetrics, metrics); err != nil {
		return tech, risk, err
	}
	if _, err := session.SaveCheckpoint(ctx, nodeComputeMetrics); err != nil {
		return tech, risk, err
	}
	return tech, risk, nil
}

func (p *Pipeline) evaluateRules(ctx context.Context, session *state.Session, tech datatypes.TechnicalIndicators, risk datatypes.RiskMetrics) (datatypes.RuleResults, error) {
	ctx, span := tracer.Start(ctx, "pipeline.evaluate_rules")
	defer span.End()

	results, err := p.rules.Evaluate(tech, risk)
	if err != nil {
		span.RecordError(err)
		return datatypes.RuleResults{}, err
	}
	span.SetAttributes(
		attribute.Int("flags", len(results.Flags)),
		attribute.String("rule_version", results.RuleVersion),
	)

	if _, err := session.Append(datatypes.FieldRulesViolations, results.Flags); err != nil {
		return datatypes.RuleResults{}, err
	}
	if _, err := session.SaveCheckpoint(ctx, nodeEvaluateRules); err != nil {
		return datatypes.RuleResults{}, err
	}
	return results, nil
}

func (p *Pipeline) buildSnapshot(ctx context.Context, session *state.Session, identity datatypes.CompanyIdentity, asOf time.Time, md datatypes.MarketData, fins []datatypes.FinancialStatement, tech datatypes.TechnicalIndicators, risk datatypes.RiskMetrics, results datatypes.RuleResults) (*datatypes.AnalysisSnapshot, error) {
	ctx, span := tracer.Start(ctx, "pipeline.snapshot")
	defer span.End()

	snap, err := snapshot.Build(identity, asOf, md, fins, tech, risk, results)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("analysis_id", snap.AnalysisID))

	if p.cfg.SnapshotsDir != "" {
		if _, err := snapshot.Write(p.cfg.SnapshotsDir, snap); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	if _, err := session.Update(datatypes.FieldFinalSnapshot, snap); err != nil {
		return nil, err
	}
	if _, err := session.SaveCheckpoint(ctx, nodeSnapshot); err != nil {
		return nil, err
	}
	return snap, nil
}
