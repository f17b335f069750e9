// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// DataTimestamps records when each input data class was fetched.
type DataTimestamps struct {
	MarketData time.Time `json:"market_data"`
	Financials time.Time `json:"financials"`
}

// AlgoVersions pins the algorithm versions that produced a snapshot's
// derived fields.
type AlgoVersions struct {
	Metrics string `json:"metrics"`
	Risk    string `json:"risk"`
	Rules   string `json:"rules"`
}

// AnalysisSnapshot is the immutable, content-addressed result of one
// research run.
//
// AnalysisID is the SHA-256 hex digest of the canonicalized remaining
// fields; identical inputs always produce the identical ID, so snapshots
// can be deduplicated and re-verified by recomputation. Build one with
// the snapshot package, never by hand.
type AnalysisSnapshot struct {
	AnalysisID     string               `json:"analysis_id"`
	Symbol         string               `json:"symbol"`
	Market         string               `json:"market"`
	CompanyName    string               `json:"company_name"`
	AsOf           time.Time            `json:"as_of"`
	DataTimestamps DataTimestamps       `json:"data_timestamps"`
	AlgoVersions   AlgoVersions         `json:"algo_versions"`
	Identity       CompanyIdentity      `json:"identity"`
	MarketData     MarketData           `json:"market_data"`
	Financials     []FinancialStatement `json:"financials"`
	Technicals     TechnicalIndicators  `json:"technicals"`
	Risk           RiskMetrics          `json:"risk"`
	Rules          RuleResults          `json:"rules"`
}
