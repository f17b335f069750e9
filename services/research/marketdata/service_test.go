// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BeringQuant/BeringFOSS/services/research/cache"
	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// fakeProvider serves a canned series and counts calls.
type fakeProvider struct {
	mu    sync.Mutex
	calls int32
	bars  []datatypes.MarketBar
	err   error
	block chan struct{}
}

func (f *fakeProvider) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) (datatypes.MarketData, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return datatypes.MarketData{}, f.err
	}
	return datatypes.MarketData{
		Symbol:        symbol,
		Source:        SourceStooq,
		DataTimestamp: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		Bars:          f.bars,
	}, nil
}

func (f *fakeProvider) callCount() int { return int(atomic.LoadInt32(&f.calls)) }

// tradingDays generates n weekday bars starting from a Monday.
func tradingDays(n int) []datatypes.MarketBar {
	start := time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC) // a Monday
	bars := make([]datatypes.MarketBar, 0, n)
	day := start
	for len(bars) < n {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			c := 100 + float64(len(bars))
			bars = append(bars, datatypes.MarketBar{Date: day, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000})
		}
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func rangeOf(bars []datatypes.MarketBar) (time.Time, time.Time) {
	return bars[0].Date, bars[len(bars)-1].Date
}

func TestGetDailyRange_FetchesOnEmptyCache(t *testing.T) {
	bars := tradingDays(10)
	provider := &fakeProvider{bars: bars}
	svc := NewService(cache.NewMemory(), provider)

	start, end := rangeOf(bars)
	md, err := svc.GetDailyRange(context.Background(), "AAPL", start, end, 10)
	if err != nil {
		t.Fatalf("GetDailyRange: %v", err)
	}
	if len(md.Bars) != 10 {
		t.Errorf("bars = %d, want 10", len(md.Bars))
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}
}

func TestGetDailyRange_SecondCallServedFromCache(t *testing.T) {
	bars := tradingDays(10)
	provider := &fakeProvider{bars: bars}
	svc := NewService(cache.NewMemory(), provider)

	start, end := rangeOf(bars)
	ctx := context.Background()
	if _, err := svc.GetDailyRange(ctx, "AAPL", start, end, 10); err != nil {
		t.Fatalf("first call: %v", err)
	}

	md, err := svc.GetDailyRange(ctx, "AAPL", start, end, 10)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (cache satisfaction)", provider.callCount())
	}
	if !md.DataTimestamp.Equal(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("data_timestamp = %v, want original fetch timestamp", md.DataTimestamp)
	}

	// Ordered ascending, deduplicated.
	for i := 1; i < len(md.Bars); i++ {
		if !md.Bars[i-1].Date.Before(md.Bars[i].Date) {
			t.Errorf("bars out of order at %d: %v >= %v", i, md.Bars[i-1].Date, md.Bars[i].Date)
		}
	}
}

func TestGetDailyRange_PartialMissRefetchesFullRange(t *testing.T) {
	bars := tradingDays(10)
	provider := &fakeProvider{bars: bars}
	mem := cache.NewMemory()
	svc := NewService(mem, provider)

	// Pre-seed only one date; minBars 10 cannot be met from cache.
	seed := cachedBar{Bar: bars[0], Source: SourceStooq, DataTimestamp: time.Now().UTC()}
	if err := mem.Set(context.Background(), barKey("AAPL", bars[0].Date), seed, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	start, end := rangeOf(bars)
	md, err := svc.GetDailyRange(context.Background(), "AAPL", start, end, 10)
	if err != nil {
		t.Fatalf("GetDailyRange: %v", err)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (full refetch)", provider.callCount())
	}
	if len(md.Bars) != 10 {
		t.Errorf("bars = %d, want 10", len(md.Bars))
	}
}

func TestGetDailyRange_MinBarsGate(t *testing.T) {
	// 10 cached trading days over a 14-calendar-day span: minBars 5 is
	// satisfiable from cache even though 4 calendar days miss.
	bars := tradingDays(10)
	provider := &fakeProvider{bars: bars}
	svc := NewService(cache.NewMemory(), provider)

	start, end := rangeOf(bars)
	ctx := context.Background()
	if _, err := svc.GetDailyRange(ctx, "AAPL", start, end, 10); err != nil {
		t.Fatalf("prime: %v", err)
	}

	if _, err := svc.GetDailyRange(ctx, "AAPL", start, end, 5); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}

	// minBars above the cached count forces a refetch.
	if _, err := svc.GetDailyRange(ctx, "AAPL", start, end, 11); err != nil {
		t.Fatalf("refetch read: %v", err)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestGetDailyRange_ZeroMinBars(t *testing.T) {
	bars := tradingDays(3)
	provider := &fakeProvider{bars: bars}
	svc := NewService(cache.NewMemory(), provider)

	start, end := rangeOf(bars)
	ctx := context.Background()
	if _, err := svc.GetDailyRange(ctx, "AAPL", start, end, 0); err != nil {
		t.Fatalf("prime: %v", err)
	}
	// max(minBars, 1): one cached date satisfies minBars == 0.
	if _, err := svc.GetDailyRange(ctx, "AAPL", start, end, 0); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}
}

func TestGetDailyRange_ProviderErrorPropagates(t *testing.T) {
	wantErr := errors.New("upstream down")
	provider := &fakeProvider{err: wantErr}
	svc := NewService(cache.NewMemory(), provider)

	start := time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC)
	_, err := svc.GetDailyRange(context.Background(), "AAPL", start, start.AddDate(0, 0, 5), 3)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want provider error verbatim", err)
	}
}

func TestGetDailyRange_InvalidSymbol(t *testing.T) {
	svc := NewService(cache.NewMemory(), &fakeProvider{})
	start := time.Date(2025, 5, 5, 0, 0, 0, 0, time.UTC)

	if _, err := svc.GetDailyRange(context.Background(), "aapl; drop", start, start, 1); err == nil {
		t.Error("invalid symbol accepted")
	}
}

func TestGetDailyRange_SingleflightCollapsesConcurrentFetches(t *testing.T) {
	bars := tradingDays(5)
	provider := &fakeProvider{bars: bars, block: make(chan struct{})}
	svc := NewService(cache.NewMemory(), provider)

	start, end := rangeOf(bars)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GetDailyRange(context.Background(), "AAPL", start, end, 5)
			if err != nil {
				t.Errorf("GetDailyRange: %v", err)
			}
		}()
	}

	// Let the goroutines pile onto the flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(provider.block)
	wg.Wait()

	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (singleflight)", provider.callCount())
	}
}

type failingSink struct{ calls int32 }

func (s *failingSink) WriteBars(ctx context.Context, md datatypes.MarketData) error {
	atomic.AddInt32(&s.calls, 1)
	return fmt.Errorf("sink unavailable")
}

func TestGetDailyRange_SinkFailureIsSwallowed(t *testing.T) {
	bars := tradingDays(3)
	provider := &fakeProvider{bars: bars}
	sink := &failingSink{}
	svc := NewService(cache.NewMemory(), provider, WithSink(sink))

	start, end := rangeOf(bars)
	if _, err := svc.GetDailyRange(context.Background(), "AAPL", start, end, 3); err != nil {
		t.Fatalf("GetDailyRange: %v", err)
	}
	if atomic.LoadInt32(&sink.calls) != 1 {
		t.Errorf("sink calls = %d, want 1", sink.calls)
	}
}
