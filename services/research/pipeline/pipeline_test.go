// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
	"github.com/BeringQuant/BeringFOSS/services/research/rules"
	"github.com/BeringQuant/BeringFOSS/services/research/snapshot"
	"github.com/BeringQuant/BeringFOSS/services/research/state"
)

type fakeResolver struct {
	identity datatypes.CompanyIdentity
	err      error
}

func (f *fakeResolver) Resolve(query string) (datatypes.CompanyIdentity, error) {
	return f.identity, f.err
}

type fakeMarket struct {
	data  datatypes.MarketData
	err   error
	calls int
}

func (f *fakeMarket) GetDailyRange(ctx context.Context, symbol string, start, end time.Time, minBars int) (datatypes.MarketData, error) {
	f.calls++
	if f.err != nil {
		return datatypes.MarketData{}, f.err
	}
	return f.data, nil
}

type fakeFinancials struct {
	statement datatypes.FinancialStatement
	err       error
}

func (f *fakeFinancials) GetLatest(ctx context.Context, symbol string, asOf time.Time, lookback int) (datatypes.FinancialStatement, error) {
	if f.err != nil {
		return datatypes.FinancialStatement{}, f.err
	}
	return f.statement, nil
}

type fakeRules struct {
	results datatypes.RuleResults
	err     error
}

func (f *fakeRules) Evaluate(technicals datatypes.TechnicalIndicators, risk datatypes.RiskMetrics) (datatypes.RuleResults, error) {
	return f.results, f.err
}

func declineBars(n int, asOf time.Time) []datatypes.MarketBar {
	bars := make([]datatypes.MarketBar, n)
	for i := range bars {
		close := 200.0 - float64(i)
		bars[i] = datatypes.MarketBar{
			Date:   asOf.AddDate(0, 0, i-n),
			Open:   close,
			High:   close + 1,
			Low:    close - 1,
			Close:  close,
			Volume: 1000,
		}
	}
	return bars
}

func testPipeline(t *testing.T, mkt *fakeMarket, fin FinancialsSource, rul RuleEvaluator) (*Pipeline, *state.Manager) {
	t.Helper()
	mgr := state.NewManager()
	resolver := &fakeResolver{identity: datatypes.CompanyIdentity{
		Symbol:      "AAPL",
		CompanyName: "Apple Inc.",
		Market:      "NASDAQ",
		MatchedOn:   "ticker",
	}}
	if rul == nil {
		rul = rules.NewEngine()
	}
	cfg := Config{RangeDays: 180, MinBars: 60, SnapshotsDir: t.TempDir()}
	return New(mgr, resolver, mkt, fin, rul, cfg, nil), mgr
}

func TestAnalyze_HappyPath(t *testing.T) {
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	mkt := &fakeMarket{data: datatypes.MarketData{
		Symbol:        "AAPL",
		Source:        "stooq",
		DataTimestamp: asOf,
		Bars:          declineBars(80, asOf),
	}}
	fin := &fakeFinancials{statement: datatypes.FinancialStatement{
		Symbol:        "AAPL",
		Quarter:       "2025Q2",
		DataTimestamp: asOf,
	}}

	p, mgr := testPipeline(t, mkt, fin, nil)

	snap, err := p.Analyze(context.Background(), "apple", asOf, "thread-1")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if snap.AnalysisID == "" {
		t.Error("snapshot has no analysis id")
	}
	if snap.Identity.Symbol != "AAPL" {
		t.Errorf("identity = %+v", snap.Identity)
	}
	if len(snap.Financials) != 1 || snap.Financials[0].Quarter != "2025Q2" {
		t.Errorf("financials = %+v", snap.Financials)
	}
	if mkt.calls != 1 {
		t.Errorf("market calls = %d, want 1", mkt.calls)
	}

	// A steadily declining series must trip the drawdown rule.
	if len(snap.Rules.Flags) == 0 {
		t.Error("no flags on a declining series")
	}

	st := mgr.Session("thread-1").State()
	if st.FinalSnapshot == nil || st.FinalSnapshot.AnalysisID != snap.AnalysisID {
		t.Errorf("final snapshot not recorded in state")
	}
	if len(st.RulesViolations) != len(snap.Rules.Flags) {
		t.Errorf("state flags = %d, snapshot flags = %d", len(st.RulesViolations), len(snap.Rules.Flags))
	}
	if st.Target == nil || st.Target.Symbol != "AAPL" {
		t.Errorf("target = %+v", st.Target)
	}
}

func TestAnalyze_CheckpointsEveryStage(t *testing.T) {
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	mkt := &fakeMarket{data: datatypes.MarketData{
		Symbol: "AAPL", DataTimestamp: asOf, Bars: declineBars(80, asOf),
	}}

	p, mgr := testPipeline(t, mkt, nil, nil)
	if _, err := p.Analyze(context.Background(), "apple", asOf, "thread-cp"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	want := []string{"init", "identify", "fetch_data", "compute_metrics", "evaluate_rules", "snapshot"}
	cps := mgr.ListCheckpoints("thread-cp")
	if len(cps) != len(want) {
		t.Fatalf("checkpoints = %d, want %d", len(cps), len(want))
	}
	for i, cp := range cps {
		if cp.NodeName != want[i] {
			t.Errorf("checkpoint %d node = %q, want %q", i, cp.NodeName, want[i])
		}
	}
}

func TestAnalyze_PersistsSnapshot(t *testing.T) {
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	mkt := &fakeMarket{data: datatypes.MarketData{
		Symbol: "AAPL", DataTimestamp: asOf, Bars: declineBars(80, asOf),
	}}

	mgr := state.NewManager()
	resolver := &fakeResolver{identity: datatypes.CompanyIdentity{Symbol: "AAPL", MatchedOn: "ticker"}}
	dir := t.TempDir()
	p := New(mgr, resolver, mkt, nil, rules.NewEngine(), Config{RangeDays: 180, MinBars: 60, SnapshotsDir: dir}, nil)

	snap, err := p.Analyze(context.Background(), "AAPL", asOf, "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	stored, err := snapshot.Read(dir, snap.AnalysisID)
	if err != nil {
		t.Fatalf("Read persisted snapshot: %v", err)
	}
	if stored.AnalysisID != snap.AnalysisID {
		t.Errorf("stored id = %q, want %q", stored.AnalysisID, snap.AnalysisID)
	}
}

func TestAnalyze_MarketFailureIsFatal(t *testing.T) {
	boom := errors.New("upstream down")
	mkt := &fakeMarket{err: boom}

	p, mgr := testPipeline(t, mkt, nil, nil)

	_, err := p.Analyze(context.Background(), "apple", time.Now().UTC(), "thread-err")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped upstream error", err)
	}
	if !strings.Contains(err.Error(), "fetch_data") {
		t.Errorf("err = %v, want stage name", err)
	}

	st := mgr.Session("thread-err").State()
	if st.StepMetadata.Error == "" {
		t.Error("step metadata error not recorded")
	}
	if st.StepMetadata.NodeName != "fetch_data" {
		t.Errorf("node = %q, want fetch_data", st.StepMetadata.NodeName)
	}
}

func TestAnalyze_FinancialsFailureDegrades(t *testing.T) {
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	mkt := &fakeMarket{data: datatypes.MarketData{
		Symbol: "AAPL", DataTimestamp: asOf, Bars: declineBars(80, asOf),
	}}
	fin := &fakeFinancials{err: errors.New("rate limited")}

	p, _ := testPipeline(t, mkt, fin, nil)

	snap, err := p.Analyze(context.Background(), "apple", asOf, "thread-deg")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if snap.Financials == nil {
		t.Error("financials nil, want empty slice")
	}
	if len(snap.Financials) != 0 {
		t.Errorf("financials = %+v, want none", snap.Financials)
	}
}

func TestAnalyze_NilFinancialsSource(t *testing.T) {
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	mkt := &fakeMarket{data: datatypes.MarketData{
		Symbol: "AAPL", DataTimestamp: asOf, Bars: declineBars(80, asOf),
	}}

	p, _ := testPipeline(t, mkt, nil, nil)

	snap, err := p.Analyze(context.Background(), "apple", asOf, "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(snap.Financials) != 0 {
		t.Errorf("financials = %+v, want none", snap.Financials)
	}
}

func TestAnalyze_ResolverFailure(t *testing.T) {
	mgr := state.NewManager()
	resolver := &fakeResolver{err: errors.New("no match")}
	p := New(mgr, resolver, &fakeMarket{}, nil, rules.NewEngine(), DefaultPipelineConfig(), nil)

	_, err := p.Analyze(context.Background(), "unknown corp", time.Now().UTC(), "thread-id")
	if err == nil {
		t.Fatal("expected resolver error")
	}
	if !strings.Contains(err.Error(), "identify") {
		t.Errorf("err = %v, want identify stage", err)
	}

	st := mgr.Session("thread-id").State()
	if st.StepMetadata.NodeName != "identify" {
		t.Errorf("node = %q, want identify", st.StepMetadata.NodeName)
	}
}

func TestAnalyze_RuleEngineFailure(t *testing.T) {
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	mkt := &fakeMarket{data: datatypes.MarketData{
		Symbol: "AAPL", DataTimestamp: asOf, Bars: declineBars(80, asOf),
	}}
	bad := &fakeRules{err: errors.New("unsupported operator \"~=\"")}

	p, _ := testPipeline(t, mkt, nil, bad)

	_, err := p.Analyze(context.Background(), "apple", asOf, "")
	if err == nil || !strings.Contains(err.Error(), "evaluate_rules") {
		t.Fatalf("err = %v, want evaluate_rules failure", err)
	}
}

func TestAnalyze_GeneratesThreadID(t *testing.T) {
	asOf := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	mkt := &fakeMarket{data: datatypes.MarketData{
		Symbol: "AAPL", DataTimestamp: asOf, Bars: declineBars(80, asOf),
	}}

	p, mgr := testPipeline(t, mkt, nil, nil)
	if _, err := p.Analyze(context.Background(), "apple", asOf, ""); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if mgr.ActiveThread() == "" {
		t.Error("no thread generated")
	}
}
