// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package snapshot assembles and persists content-addressed analysis
// snapshots.
//
// A snapshot's analysis_id is the SHA-256 hex digest of the canonical
// serialization of every semantically meaningful input — identity,
// as-of date, data timestamps, algorithm versions, market data,
// financials, technicals, risk, and rule results — and nothing
// non-deterministic. Two processes building from field-identical inputs
// produce byte-identical IDs, so persistence is write-once and
// repeat-safe: the second writer of an existing ID is a silent no-op.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// ErrSnapshotNotFound is returned by Read when no file exists for the
// requested analysis ID.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// seed is the hashed portion of a snapshot: every field that
// contributes to the analysis identity, none that does not.
type seed struct {
	Symbol         string                         `json:"symbol"`
	Market         string                         `json:"market"`
	CompanyName    string                         `json:"company_name"`
	AsOf           time.Time                      `json:"as_of"`
	DataTimestamps datatypes.DataTimestamps       `json:"data_timestamps"`
	AlgoVersions   datatypes.AlgoVersions         `json:"algo_versions"`
	Identity       datatypes.CompanyIdentity      `json:"identity"`
	MarketData     datatypes.MarketData           `json:"market_data"`
	Financials     []datatypes.FinancialStatement `json:"financials"`
	Technicals     datatypes.TechnicalIndicators  `json:"technicals"`
	Risk           datatypes.RiskMetrics          `json:"risk"`
	Rules          datatypes.RuleResults          `json:"rules"`
}

// Build assembles an AnalysisSnapshot with its deterministic content
// hash.
//
// The financials data timestamp is the max across statements, defaulting
// to the market data timestamp when the statement list is empty (a
// degraded fetch still yields a hashable, comparable snapshot).
func Build(
	identity datatypes.CompanyIdentity,
	asOf time.Time,
	marketData datatypes.MarketData,
	financials []datatypes.FinancialStatement,
	technicals datatypes.TechnicalIndicators,
	risk datatypes.RiskMetrics,
	rules datatypes.RuleResults,
) (*datatypes.AnalysisSnapshot, error) {
	finTS := marketData.DataTimestamp
	for _, f := range financials {
		if f.DataTimestamp.After(finTS) {
			finTS = f.DataTimestamp
		}
	}

	if financials == nil {
		financials = []datatypes.FinancialStatement{}
	}

	s := seed{
		Symbol:      identity.Symbol,
		Market:      identity.Market,
		CompanyName: identity.CompanyName,
		AsOf:        asOf.UTC(),
		DataTimestamps: datatypes.DataTimestamps{
			MarketData: marketData.DataTimestamp.UTC(),
			Financials: finTS.UTC(),
		},
		AlgoVersions: datatypes.AlgoVersions{
			Metrics: technicals.AlgoVersion,
			Risk:    risk.AlgoVersion,
			Rules:   rules.RuleVersion,
		},
		Identity:   identity,
		MarketData: marketData,
		Financials: financials,
		Technicals: technicals,
		Risk:       risk,
		Rules:      rules,
	}

	id, err := contentHash(s)
	if err != nil {
		return nil, err
	}

	return &datatypes.AnalysisSnapshot{
		AnalysisID:     id,
		Symbol:         s.Symbol,
		Market:         s.Market,
		CompanyName:    s.CompanyName,
		AsOf:           s.AsOf,
		DataTimestamps: s.DataTimestamps,
		AlgoVersions:   s.AlgoVersions,
		Identity:       s.Identity,
		MarketData:     s.MarketData,
		Financials:     s.Financials,
		Technicals:     s.Technicals,
		Risk:           s.Risk,
		Rules:          s.Rules,
	}, nil
}

// Recompute re-derives the content hash from a snapshot's fields,
// ignoring its stored AnalysisID. Used by `bering snapshot verify` to
// detect tampered or hand-edited snapshot files.
func Recompute(snap *datatypes.AnalysisSnapshot) (string, error) {
	financials := snap.Financials
	if financials == nil {
		financials = []datatypes.FinancialStatement{}
	}
	return contentHash(seed{
		Symbol:         snap.Symbol,
		Market:         snap.Market,
		CompanyName:    snap.CompanyName,
		AsOf:           snap.AsOf,
		DataTimestamps: snap.DataTimestamps,
		AlgoVersions:   snap.AlgoVersions,
		Identity:       snap.Identity,
		MarketData:     snap.MarketData,
		Financials:     financials,
		Technicals:     snap.Technicals,
		Risk:           snap.Risk,
		Rules:          snap.Rules,
	})
}

// Write persists the snapshot to dir as {analysis_id}.json, creating
// the directory if needed.
//
// Writes are write-once: if the file already exists the call returns
// the existing path and does nothing, which makes persistence safe to
// repeat from retried pipelines. New files land via temp-file + rename
// so readers never observe a partial snapshot.
func Write(dir string, snap *datatypes.AnalysisSnapshot) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("snapshot: target directory is required")
	}
	if snap == nil || snap.AnalysisID == "" {
		return "", fmt.Errorf("snapshot: snapshot with analysis_id is required")
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("snapshot: create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, snap.AnalysisID+".json")
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: an existing file already holds this content.
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("snapshot: stat %s: %w", path, err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal %s: %w", snap.AnalysisID, err)
	}

	tempFile, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return "", fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return "", fmt.Errorf("snapshot: sync %s: %w", path, err)
	}
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("snapshot: close %s: %w", path, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return "", fmt.Errorf("snapshot: rename %s: %w", path, err)
	}

	success = true
	return path, nil
}

// Read loads a persisted snapshot by analysis ID.
func Read(dir, analysisID string) (*datatypes.AnalysisSnapshot, error) {
	path := filepath.Join(dir, analysisID+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("snapshot: %s: %w", analysisID, ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}

	var snap datatypes.AnalysisSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: parse %s: %w", path, err)
	}
	return &snap, nil
}
