// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// DefaultTable returns the compiled-in rule table.
func DefaultTable() Table {
	return Table{
		Version: datatypes.RiskRulesVersion,
		Rules: []Rule{
			{
				Code:      "DRAWDOWN_HIGH",
				Severity:  datatypes.SeverityHigh,
				Title:     "Large drawdown in analysis window",
				Field:     "technicals.max_drawdown",
				Op:        "<=",
				Threshold: -0.20,
				Details:   "Price fell more than 20% from its running peak within the window.",
			},
			{
				Code:      "VOLATILITY_HIGH",
				Severity:  datatypes.SeverityMedium,
				Title:     "Elevated 20-day volatility",
				Field:     "technicals.volatility_20",
				Op:        ">=",
				Threshold: 0.04,
				Details:   "Daily return standard deviation over the last 20 sessions is at or above 4%.",
			},
			{
				Code:      "SHARPE_NEGATIVE",
				Severity:  datatypes.SeverityMedium,
				Title:     "Negative risk-adjusted return",
				Field:     "risk.sharpe_20",
				Op:        "<",
				Threshold: 0.0,
				Details:   "Annualized 20-day Sharpe ratio is below zero.",
			},
			{
				Code:      "VAR_TAIL_RISK",
				Severity:  datatypes.SeverityHigh,
				Title:     "Heavy tail risk (VaR 95)",
				Field:     "risk.var_95_20",
				Op:        "<=",
				Threshold: -0.05,
				Details:   "The 5th-percentile daily return over the last 20 sessions is -5% or worse.",
			},
		},
	}
}

// validSeverities and validOps constrain table entries.
var (
	validSeverities = map[datatypes.Severity]bool{
		datatypes.SeverityLow:    true,
		datatypes.SeverityMedium: true,
		datatypes.SeverityHigh:   true,
	}
	validOps = map[string]bool{"<=": true, "<": true, ">=": true, ">": true, "==": true}
)

// Validate checks table well-formedness: a version string, at least one
// rule, unique codes, known severities and operators, dotted fields.
func Validate(t Table) error {
	if t.Version == "" {
		return fmt.Errorf("rules: table version is required")
	}
	if len(t.Rules) == 0 {
		return fmt.Errorf("rules: table has no rules")
	}

	seen := make(map[string]bool, len(t.Rules))
	for i, r := range t.Rules {
		if r.Code == "" {
			return fmt.Errorf("rules: rule %d has no code", i)
		}
		if seen[r.Code] {
			return fmt.Errorf("rules: duplicate rule code %q", r.Code)
		}
		seen[r.Code] = true

		if !validSeverities[r.Severity] {
			return fmt.Errorf("rules: rule %s: invalid severity %q", r.Code, r.Severity)
		}
		if !validOps[r.Op] {
			return fmt.Errorf("rules: rule %s: %w: %q", r.Code, ErrUnsupportedOperator, r.Op)
		}
		if r.Field == "" {
			return fmt.Errorf("rules: rule %s has no field", r.Code)
		}
	}
	return nil
}

// LoadTable reads and validates a YAML rule table.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("rules: read table %s: %w", path, err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("rules: parse table %s: %w", path, err)
	}
	if err := Validate(t); err != nil {
		return Table{}, fmt.Errorf("rules: table %s: %w", path, err)
	}
	return t, nil
}
