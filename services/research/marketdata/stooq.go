// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// SourceStooq tags bars fetched from Stooq.
const SourceStooq = "stooq"

// stooqBaseURL is the daily-bars CSV endpoint.
const stooqBaseURL = "https://stooq.com/q/d/l/"

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StooqProvider fetches daily bars from Stooq's CSV export.
//
// Stooq serves US symbols under a ".us" suffix and needs no API key.
// The provider rate-limits itself client-side and returns bars sorted
// the way Stooq emits them (ascending by date).
type StooqProvider struct {
	client  HTTPClient
	limiter *rate.Limiter
	baseURL string
	now     func() time.Time
}

// StooqOption configures a StooqProvider.
type StooqOption func(*StooqProvider)

// WithHTTPClient injects the HTTP client (tests use a fake).
func WithHTTPClient(c HTTPClient) StooqOption {
	return func(p *StooqProvider) { p.client = c }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64) StooqOption {
	return func(p *StooqProvider) { p.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

// WithBaseURL overrides the endpoint (tests point it at a local server).
func WithBaseURL(u string) StooqOption {
	return func(p *StooqProvider) { p.baseURL = u }
}

// NewStooqProvider creates a provider with a 30s-timeout HTTP client
// and a 2 rps default limit.
func NewStooqProvider(opts ...StooqOption) *StooqProvider {
	p := &StooqProvider{
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
		baseURL: stooqBaseURL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchDailyBars downloads the full [start, end] daily series for one
// symbol. Non-200 responses and malformed CSV are errors; the range
// policy propagates them verbatim.
func (p *StooqProvider) FetchDailyBars(ctx context.Context, symbol string, start, end time.Time) (datatypes.MarketData, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return datatypes.MarketData{}, fmt.Errorf("marketdata.stooq: rate limit wait: %w", err)
	}

	q := url.Values{}
	q.Set("s", strings.ToLower(symbol)+".us")
	q.Set("d1", start.UTC().Format("20060102"))
	q.Set("d2", end.UTC().Format("20060102"))
	q.Set("i", "d")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return datatypes.MarketData{}, fmt.Errorf("marketdata.stooq: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return datatypes.MarketData{}, fmt.Errorf("marketdata.stooq: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return datatypes.MarketData{}, fmt.Errorf("marketdata.stooq: fetch %s: status %d", symbol, resp.StatusCode)
	}

	bars, err := parseStooqCSV(resp.Body)
	if err != nil {
		return datatypes.MarketData{}, fmt.Errorf("marketdata.stooq: parse %s: %w", symbol, err)
	}

	return datatypes.MarketData{
		Symbol:        symbol,
		Source:        SourceStooq,
		DataTimestamp: p.now().UTC(),
		Bars:          bars,
	}, nil
}

// parseStooqCSV reads Stooq's Date,Open,High,Low,Close,Volume rows.
// Rows with "N/D" placeholders (suspended trading days) are skipped.
func parseStooqCSV(r io.Reader) ([]datatypes.MarketBar, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	header := records[0]
	if len(header) < 6 || !strings.EqualFold(header[0], "Date") {
		return nil, fmt.Errorf("unexpected header %v", header)
	}

	bars := make([]datatypes.MarketBar, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) < 6 {
			continue
		}
		if rec[1] == "N/D" {
			continue
		}

		date, err := time.ParseInLocation("2006-01-02", rec[0], time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", rec[0], err)
		}

		var vals [4]float64
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s field %q: %w", header[i+1], rec[i+1], err)
			}
			vals[i] = v
		}

		var volume int64
		if rec[5] != "" {
			f, err := strconv.ParseFloat(rec[5], 64)
			if err != nil {
				return nil, fmt.Errorf("parse volume %q: %w", rec[5], err)
			}
			volume = int64(f)
		}

		bars = append(bars, datatypes.MarketBar{
			Date:   date,
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: volume,
		})
	}

	return bars, nil
}
