// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analytics computes technical indicators and risk metrics from
// daily bar series.
//
// Every function is pure: bars in, metrics out, no I/O. Metrics that
// cannot be computed from the available window come back nil rather
// than zero, and that distinction flows through to rule evaluation
// (nil skips the rule) and snapshot hashing (nil serializes as null).
// Results are stamped with the algorithm version constants from
// datatypes; bump those when a formula changes.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// Window sizes and the trading-day annualization factor.
const (
	shortWindow     = 20
	longWindow      = 50
	tradingDaysYear = 252
)

// ComputeTechnicals derives price-based indicators from bars, which
// must be sorted ascending by date (the range cache policy guarantees
// this).
func ComputeTechnicals(bars []datatypes.MarketBar, asOf time.Time) datatypes.TechnicalIndicators {
	closes := closePrices(bars)

	return datatypes.TechnicalIndicators{
		AlgoVersion:  datatypes.MetricsAlgoVersion,
		AsOf:         asOf.UTC(),
		MA20:         sma(closes, shortWindow),
		MA50:         sma(closes, longWindow),
		Volatility20: sampleStdDev(lastN(dailyReturns(closes), shortWindow)),
		MaxDrawdown:  maxDrawdown(closes),
	}
}

// ComputeRisk derives return-distribution metrics from bars, sorted
// ascending by date.
func ComputeRisk(bars []datatypes.MarketBar, asOf time.Time) datatypes.RiskMetrics {
	returns := lastN(dailyReturns(closePrices(bars)), shortWindow)

	return datatypes.RiskMetrics{
		AlgoVersion: datatypes.RiskAlgoVersion,
		AsOf:        asOf.UTC(),
		Sharpe20:    sharpe(returns),
		VaR9520:     valueAtRisk95(returns),
	}
}

func closePrices(bars []datatypes.MarketBar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

// dailyReturns computes simple returns close[i]/close[i-1] - 1,
// skipping pairs with a non-positive denominator.
func dailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	return returns
}

func lastN(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}

// sma is the simple moving average of the last window closes, nil when
// the series is shorter than the window.
func sma(closes []float64, window int) *float64 {
	if len(closes) < window {
		return nil
	}
	tail := closes[len(closes)-window:]
	sum := 0.0
	for _, c := range tail {
		sum += c
	}
	avg := sum / float64(window)
	return &avg
}

// sampleStdDev is the ddof=1 standard deviation, nil with fewer than
// two observations.
func sampleStdDev(values []float64) *float64 {
	if len(values) < 2 {
		return nil
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(values)-1))
	return &sd
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// maxDrawdown is the minimum of close/runningMax - 1 over the whole
// series: the deepest peak-to-trough loss. Nil on an empty series.
func maxDrawdown(closes []float64) *float64 {
	if len(closes) == 0 {
		return nil
	}
	peak := closes[0]
	worst := 0.0
	for _, c := range closes {
		if c > peak {
			peak = c
		}
		if peak > 0 {
			if dd := c/peak - 1; dd < worst {
				worst = dd
			}
		}
	}
	return &worst
}

// sharpe is mean/std * sqrt(252) over the return window; nil when the
// window is too short or the deviation is zero (a flat series has no
// meaningful risk-adjusted return).
func sharpe(returns []float64) *float64 {
	sd := sampleStdDev(returns)
	if sd == nil || *sd == 0 {
		return nil
	}
	s := mean(returns) / *sd * math.Sqrt(tradingDaysYear)
	return &s
}

// valueAtRisk95 is the 5th-percentile daily return: sorted returns at
// index floor(0.05 * (n-1)). Nil with fewer than two observations.
func valueAtRisk95(returns []float64) *float64 {
	if len(returns) < 2 {
		return nil
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	idx := int(math.Floor(0.05 * float64(len(sorted)-1)))
	v := sorted[idx]
	return &v
}
