// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package marketdata fetches daily OHLCV bars through a range-aware
// TTL cache.
//
// The policy caches one entry per (symbol, date). A range request is
// satisfied from cache only when enough distinct dates hit; any
// shortfall refetches the FULL range from the provider and rewrites
// every returned date. Refetching the whole range on a partial miss is
// intentional: it guarantees the returned series is never silently
// missing interior trading days, at the cost of occasional over-fetch.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BeringQuant/BeringFOSS/pkg/validation"
	"github.com/BeringQuant/BeringFOSS/services/research/cache"
	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// Provider fetches daily bars from an upstream market data source.
// Implementations do their own rate limiting; the range policy never
// retries a provider failure.
type Provider interface {
	FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) (datatypes.MarketData, error)
}

// BarSink receives provider-fetched series for mirroring (for example
// into a time-series database). Sink failures are logged and swallowed;
// the sink is an observer, not a dependency.
type BarSink interface {
	WriteBars(ctx context.Context, md datatypes.MarketData) error
}

// cachedBar is the per-date cache entry: the bar plus the provenance
// needed to tag cache-satisfied reads.
type cachedBar struct {
	Bar           datatypes.MarketBar `json:"bar"`
	Source        string              `json:"source"`
	DataTimestamp time.Time           `json:"data_timestamp"`
}

// Service is the range-aware get-or-fetch layer over the bar cache.
//
// # Thread Safety
//
// Safe for concurrent use. Identical concurrent refetches collapse into
// one provider call via singleflight.
type Service struct {
	cache    cache.Cache
	provider Provider
	sink     BarSink
	ttl      time.Duration
	logger   *slog.Logger
	flights  singleflight.Group
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSink mirrors every provider fetch to a bar sink.
func WithSink(sink BarSink) ServiceOption {
	return func(s *Service) { s.sink = sink }
}

// WithTTL overrides the per-date cache TTL (default cache.DefaultTTL).
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.ttl = ttl }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates the range policy over a cache and a provider.
func NewService(c cache.Cache, p Provider, opts ...ServiceOption) *Service {
	s := &Service{
		cache:    c,
		provider: p,
		ttl:      cache.DefaultTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// barKey is the cache key for one (symbol, date).
func barKey(symbol string, day time.Time) string {
	return fmt.Sprintf("market_data:%s:%s", symbol, day.UTC().Format("2006-01-02"))
}

// GetDailyRange returns an ordered, date-deduplicated daily series for
// [start, end].
//
// Every calendar day in the range is probed in the cache. When the
// number of distinct dates hit reaches max(minBars, 1) the cached
// series is returned, stamped with the newest fetch timestamp observed
// across the hits. Otherwise the provider is called for the full range
// and each returned bar is written back individually before the fresh
// series is returned. Provider errors propagate verbatim. minBars, not
// calendar-day count, is the completeness gate: weekends and holidays
// never appear in provider data.
func (s *Service) GetDailyRange(ctx context.Context, symbol string, start, end time.Time, minBars int) (datatypes.MarketData, error) {
	if err := validation.ValidateTicker(symbol); err != nil {
		return datatypes.MarketData{}, fmt.Errorf("marketdata: %w", err)
	}
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return datatypes.MarketData{}, fmt.Errorf("marketdata: range end %s before start %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	hits := make(map[time.Time]cachedBar)
	var newest time.Time
	var source string
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		var entry cachedBar
		found, err := cache.GetJSON(ctx, s.cache, barKey(symbol, day), &entry)
		if err != nil {
			return datatypes.MarketData{}, fmt.Errorf("marketdata: cache read %s: %w", symbol, err)
		}
		if !found {
			continue
		}
		hits[entry.Bar.Date.UTC().Truncate(24*time.Hour)] = entry
		if entry.DataTimestamp.After(newest) {
			newest = entry.DataTimestamp
		}
		source = entry.Source
	}

	need := minBars
	if need < 1 {
		need = 1
	}
	if len(hits) >= need {
		bars := make([]datatypes.MarketBar, 0, len(hits))
		for _, entry := range hits {
			bars = append(bars, entry.Bar)
		}
		sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

		s.logger.Debug("marketdata.service: range served from cache",
			slog.String("symbol", symbol),
			slog.Int("bars", len(bars)),
		)
		return datatypes.MarketData{
			Symbol:        symbol,
			Source:        source,
			DataTimestamp: newest,
			Bars:          bars,
		}, nil
	}

	// Partial coverage: refetch the whole range. Concurrent identical
	// requests share one flight; the flight covers only the provider
	// call and write-back, so policy semantics are unchanged.
	flightKey := fmt.Sprintf("%s:%s:%s", symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	v, err, _ := s.flights.Do(flightKey, func() (any, error) {
		return s.fetchAndFill(ctx, symbol, start, end)
	})
	if err != nil {
		return datatypes.MarketData{}, err
	}
	return v.(datatypes.MarketData), nil
}

func (s *Service) fetchAndFill(ctx context.Context, symbol string, start, end time.Time) (datatypes.MarketData, error) {
	md, err := s.provider.FetchDailyBars(ctx, symbol, start, end)
	if err != nil {
		return datatypes.MarketData{}, err
	}

	for _, bar := range md.Bars {
		entry := cachedBar{Bar: bar, Source: md.Source, DataTimestamp: md.DataTimestamp}
		if err := s.cache.Set(ctx, barKey(symbol, bar.Date), entry, s.ttl); err != nil {
			return datatypes.MarketData{}, fmt.Errorf("marketdata: cache write %s: %w", symbol, err)
		}
	}

	s.logger.Info("marketdata.service: range fetched from provider",
		slog.String("symbol", symbol),
		slog.String("source", md.Source),
		slog.Int("bars", len(md.Bars)),
	)

	if s.sink != nil {
		if err := s.sink.WriteBars(ctx, md); err != nil {
			s.logger.Warn("marketdata.service: bar sink write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	return md, nil
}
