// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the shared data structures for the research
// service: resolved identities, market bars, financial statements, computed
// metrics, rule results, session state, and analysis snapshots.
//
// All timestamps carried by these types are UTC. Constructors and providers
// normalize to UTC at the boundary so that canonical serialization (see the
// snapshot package) is reproducible.
package datatypes

import (
	"time"
)

// CompanyIdentity is a resolved research target.
//
// MatchedOn records which reference field produced the match:
// "ticker" (exact symbol), "alias", or "company_name".
type CompanyIdentity struct {
	Symbol      string `json:"symbol"`
	Market      string `json:"market"`
	CompanyName string `json:"company_name"`
	MatchedOn   string `json:"matched_on"`
	Query       string `json:"query"`
}

// MarketBar holds one daily OHLCV bar.
//
// Date is a UTC midnight instant; uniqueness is per (symbol, date) and
// re-inserting the same date overwrites with the newest fetch.
type MarketBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// MarketData is a dated, ordered series of daily bars for one symbol.
//
// DataTimestamp is when the bars were fetched from the upstream source
// (or, for cache-satisfied reads, the newest fetch timestamp observed
// across the cached bars).
type MarketData struct {
	Symbol        string      `json:"symbol"`
	Source        string      `json:"source"`
	DataTimestamp time.Time   `json:"data_timestamp"`
	Bars          []MarketBar `json:"bars"`
}

// FinancialStatement holds one quarterly report for a symbol.
//
// Quarter uses the "YYYYQn" form (e.g. "2024Q2"). Values carries the raw
// statement line items keyed by snake_case name (total_revenue,
// gross_profit, net_income, operating_cashflow); a nil entry records a
// line item the upstream source reported but could not price, and
// serializes as JSON null rather than being dropped.
type FinancialStatement struct {
	Symbol          string              `json:"symbol"`
	Quarter         string              `json:"quarter"`
	Source          string              `json:"source"`
	DataTimestamp   time.Time           `json:"data_timestamp"`
	SourceTimestamp *time.Time          `json:"source_timestamp,omitempty"`
	Values          map[string]*float64 `json:"values"`
}
