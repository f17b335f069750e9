// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rules evaluates versioned threshold rules against computed
// metrics.
//
// A rule table is an ordered list of comparisons over a flat dotted-path
// namespace (technicals.max_drawdown, risk.sharpe_20). Evaluation is a
// pure function over the current table: unresolved fields are skipped
// silently (insufficient data is expected, not an error), an unknown
// operator is a fatal configuration bug, and output flag order matches
// table order. The default table compiles in; a YAML file can replace
// it, optionally hot-reloaded (see Watch).
package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// ErrUnsupportedOperator reports a rule table entry whose operator is
// not one of <=, <, >=, >, ==. This is a configuration bug and fails
// the whole evaluation.
var ErrUnsupportedOperator = fmt.Errorf("unsupported rule operator")

// Rule is one threshold check in a table.
type Rule struct {
	Code      string             `yaml:"code" json:"code"`
	Severity  datatypes.Severity `yaml:"severity" json:"severity"`
	Title     string             `yaml:"title" json:"title"`
	Field     string             `yaml:"field" json:"field"`
	Op        string             `yaml:"op" json:"op"`
	Threshold float64            `yaml:"threshold" json:"threshold"`
	Details   string             `yaml:"details" json:"details"`
}

// Table is an ordered, versioned rule set.
type Table struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Engine evaluates metric snapshots against its current table.
//
// # Thread Safety
//
// Safe for concurrent use. Evaluate takes a read lock; Reload swaps the
// table under the write lock, so in-flight evaluations finish on the
// table they started with.
type Engine struct {
	mu    sync.RWMutex
	table Table
}

// NewEngine creates an engine over the compiled-in default table.
func NewEngine() *Engine {
	return &Engine{table: DefaultTable()}
}

// NewEngineWithTable creates an engine over a validated table.
func NewEngineWithTable(t Table) (*Engine, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}
	return &Engine{table: t}, nil
}

// Table returns a copy of the current table.
func (e *Engine) Table() Table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t := e.table
	t.Rules = append([]Rule(nil), e.table.Rules...)
	return t
}

// Reload validates and swaps in a new table. On validation failure the
// previous table stays active.
func (e *Engine) Reload(t Table) error {
	if err := Validate(t); err != nil {
		return err
	}
	e.mu.Lock()
	e.table = t
	e.mu.Unlock()
	return nil
}

// Evaluate runs every table rule against the technicals and risk
// metrics, in declaration order.
//
// A rule whose field does not resolve (nil metric, too little data) is
// skipped. Every returned flag carries the table's version and the
// evidence triple {field, observed value, threshold}. The returned
// Flags slice is empty, never nil, when no rule triggers.
func (e *Engine) Evaluate(technicals datatypes.TechnicalIndicators, risk datatypes.RiskMetrics) (datatypes.RuleResults, error) {
	e.mu.RLock()
	table := e.table
	e.mu.RUnlock()

	namespace := map[string]map[string]*float64{
		"technicals": {
			"ma_20":         technicals.MA20,
			"ma_50":         technicals.MA50,
			"volatility_20": technicals.Volatility20,
			"max_drawdown":  technicals.MaxDrawdown,
		},
		"risk": {
			"sharpe_20": risk.Sharpe20,
			"var_95_20": risk.VaR9520,
		},
	}

	results := datatypes.RuleResults{
		RuleVersion: table.Version,
		Flags:       []datatypes.RiskFlag{},
	}

	for _, rule := range table.Rules {
		value, ok := resolve(namespace, rule.Field)
		if !ok {
			continue
		}

		matched, err := compare(value, rule.Op, rule.Threshold)
		if err != nil {
			return datatypes.RuleResults{}, fmt.Errorf("rules: rule %s: %w", rule.Code, err)
		}
		if !matched {
			continue
		}

		results.Flags = append(results.Flags, datatypes.RiskFlag{
			Code:     rule.Code,
			Severity: rule.Severity,
			Title:    rule.Title,
			Details:  rule.Details,
			Evidence: datatypes.RuleEvidence{
				Field:     rule.Field,
				Value:     value,
				Threshold: rule.Threshold,
			},
		})
	}

	return results, nil
}

// resolve looks up a dotted path in the metric namespace. A missing
// group, missing leaf, or nil value all report not-ok.
func resolve(namespace map[string]map[string]*float64, field string) (float64, bool) {
	group, leaf, found := strings.Cut(field, ".")
	if !found {
		return 0, false
	}
	values, ok := namespace[group]
	if !ok {
		return 0, false
	}
	v, ok := values[leaf]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// compare applies one threshold operator.
func compare(value float64, op string, threshold float64) (bool, error) {
	switch op {
	case "<=":
		return value <= threshold, nil
	case "<":
		return value < threshold, nil
	case ">=":
		return value >= threshold, nil
	case ">":
		return value > threshold, nil
	case "==":
		return value == threshold, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, op)
	}
}
