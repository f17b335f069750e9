// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Severity grades a risk flag.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// TechnicalIndicators carries price-derived metrics for one symbol.
//
// Metric fields are pointers: nil means the input window was too short
// to compute the metric, and serializes as JSON null so downstream
// consumers can tell "not computable" from zero.
type TechnicalIndicators struct {
	AlgoVersion  string    `json:"algo_version"`
	AsOf         time.Time `json:"as_of"`
	MA20         *float64  `json:"ma_20"`
	MA50         *float64  `json:"ma_50"`
	Volatility20 *float64  `json:"volatility_20"`
	MaxDrawdown  *float64  `json:"max_drawdown"`
}

// RiskMetrics carries return-distribution metrics for one symbol.
type RiskMetrics struct {
	AlgoVersion string    `json:"algo_version"`
	AsOf        time.Time `json:"as_of"`
	Sharpe20    *float64  `json:"sharpe_20"`
	VaR9520     *float64  `json:"var_95_20"`
}

// RuleEvidence records the exact comparison that fired a rule: the
// dotted metric path, the observed value, and the rule threshold.
type RuleEvidence struct {
	Field     string  `json:"field"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// RiskFlag is one triggered rule.
type RiskFlag struct {
	Code     string       `json:"code"`
	Severity Severity     `json:"severity"`
	Title    string       `json:"title"`
	Details  string       `json:"details"`
	Evidence RuleEvidence `json:"evidence"`
}

// RuleResults is the outcome of one rule-table evaluation.
//
// Flags preserves rule-table order. An empty slice (not nil) means the
// table evaluated cleanly with no rule triggered.
type RuleResults struct {
	RuleVersion string     `json:"rule_version"`
	Flags       []RiskFlag `json:"flags"`
}
