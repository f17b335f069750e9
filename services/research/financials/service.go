// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package financials

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BeringQuant/BeringFOSS/pkg/validation"
	"github.com/BeringQuant/BeringFOSS/services/research/cache"
	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// ErrQuarterNotReported is returned when the upstream source has no
// statement for the requested quarter (common near quarter end, before
// the report lands).
var ErrQuarterNotReported = fmt.Errorf("quarter not reported upstream")

// Service is the cache-backed read path for quarterly statements.
//
// One upstream fetch returns every quarter Alpha Vantage has, so a
// fetch for any quarter warms the cache for all of them.
type Service struct {
	cache    cache.Cache
	provider Provider
	ttl      time.Duration
	logger   *slog.Logger
}

// NewService creates the financials read path. A nil logger uses the
// process default.
func NewService(c cache.Cache, p Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cache: c, provider: p, ttl: cache.DefaultTTL, logger: logger}
}

// quarterKey is the cache key for one (symbol, quarter).
func quarterKey(symbol, quarter string) string {
	return fmt.Sprintf("financials:%s:%s", symbol, quarter)
}

// GetQuarter returns the statement for one (symbol, quarter), fetching
// from the provider on a cache miss. Provider failures propagate; the
// caller decides whether financials are degradable.
func (s *Service) GetQuarter(ctx context.Context, symbol, quarter string) (datatypes.FinancialStatement, error) {
	if err := validation.ValidateTicker(symbol); err != nil {
		return datatypes.FinancialStatement{}, fmt.Errorf("financials: %w", err)
	}

	var cached datatypes.FinancialStatement
	found, err := cache.GetJSON(ctx, s.cache, quarterKey(symbol, quarter), &cached)
	if err != nil {
		return datatypes.FinancialStatement{}, fmt.Errorf("financials: cache read %s: %w", symbol, err)
	}
	if found {
		return cached, nil
	}

	statements, err := s.provider.FetchQuarterly(ctx, symbol)
	if err != nil {
		return datatypes.FinancialStatement{}, err
	}

	// Cache every returned quarter; one upstream call covers them all.
	var hit *datatypes.FinancialStatement
	for i := range statements {
		st := statements[i]
		if err := s.cache.Set(ctx, quarterKey(symbol, st.Quarter), st, s.ttl); err != nil {
			return datatypes.FinancialStatement{}, fmt.Errorf("financials: cache write %s: %w", symbol, err)
		}
		if st.Quarter == quarter {
			hit = &statements[i]
		}
	}

	s.logger.Debug("financials.service: quarterly statements fetched",
		slog.String("symbol", symbol),
		slog.Int("quarters", len(statements)),
	)

	if hit == nil {
		return datatypes.FinancialStatement{}, fmt.Errorf("financials: %s %s: %w", symbol, quarter, ErrQuarterNotReported)
	}
	return *hit, nil
}

// GetLatest returns the newest statement at or before asOf, walking
// back up to lookback quarters. Used by the pipeline, which wants "the
// most recent reported quarter", not a specific one.
func (s *Service) GetLatest(ctx context.Context, symbol string, asOf time.Time, lookback int) (datatypes.FinancialStatement, error) {
	quarter := asOf
	var lastErr error
	for i := 0; i <= lookback; i++ {
		st, err := s.GetQuarter(ctx, symbol, QuarterOf(quarter))
		if err == nil {
			return st, nil
		}
		lastErr = err
		quarter = quarter.AddDate(0, -3, 0)
	}
	return datatypes.FinancialStatement{}, lastErr
}
