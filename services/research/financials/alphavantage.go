// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package financials fetches quarterly financial statements through a
// TTL cache.
//
// The upstream source is Alpha Vantage's INCOME_STATEMENT endpoint. The
// API key lives in a memguard enclave: decrypted only for the moment a
// request URL is built, never logged, never kept in plain reachable
// memory. The pipeline treats financials as degradable — a failed fetch
// is logged and analysis proceeds with an empty statement list.
package financials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/time/rate"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// SourceAlphaVantage tags statements fetched from Alpha Vantage.
const SourceAlphaVantage = "alphavantage"

// alphaVantageBaseURL is the query endpoint.
const alphaVantageBaseURL = "https://www.alphavantage.co/query"

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider fetches quarterly statements for a symbol.
type Provider interface {
	FetchQuarterly(ctx context.Context, symbol string) ([]datatypes.FinancialStatement, error)
}

// AlphaVantageProvider pulls quarterly income statements.
//
// The free tier allows 5 requests per minute; the default limiter stays
// under that.
type AlphaVantageProvider struct {
	client  HTTPClient
	key     *memguard.Enclave
	limiter *rate.Limiter
	baseURL string
	now     func() time.Time
}

// AVOption configures an AlphaVantageProvider.
type AVOption func(*AlphaVantageProvider)

// WithHTTPClient injects the HTTP client (tests use a fake).
func WithHTTPClient(c HTTPClient) AVOption {
	return func(p *AlphaVantageProvider) { p.client = c }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64) AVOption {
	return func(p *AlphaVantageProvider) { p.limiter = rate.NewLimiter(rate.Limit(rps), 1) }
}

// WithBaseURL overrides the endpoint (tests point it at a stub).
func WithBaseURL(u string) AVOption {
	return func(p *AlphaVantageProvider) { p.baseURL = u }
}

// NewAlphaVantageProvider seals the API key into an enclave and wipes
// the caller's copy.
func NewAlphaVantageProvider(apiKey []byte, opts ...AVOption) (*AlphaVantageProvider, error) {
	if len(apiKey) == 0 {
		return nil, fmt.Errorf("financials: api key is required")
	}

	p := &AlphaVantageProvider{
		client: &http.Client{Timeout: 30 * time.Second},
		// 5 req/min free tier; 1 every 15s keeps headroom.
		limiter: rate.NewLimiter(rate.Every(15*time.Second), 1),
		baseURL: alphaVantageBaseURL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	// NewEnclave wipes the source buffer.
	p.key = memguard.NewEnclave(apiKey)
	return p, nil
}

// incomeStatementDoc mirrors Alpha Vantage's INCOME_STATEMENT JSON.
type incomeStatementDoc struct {
	Symbol           string           `json:"symbol"`
	QuarterlyReports []map[string]any `json:"quarterlyReports"`
	Note             string           `json:"Note"`
	ErrorMessage     string           `json:"Error Message"`
	Information      string           `json:"Information"`
}

// statementFields maps our snake_case line items to Alpha Vantage's
// camelCase report keys.
var statementFields = map[string]string{
	"total_revenue":      "totalRevenue",
	"gross_profit":       "grossProfit",
	"net_income":         "netIncome",
	"operating_cashflow": "operatingCashflow",
}

// FetchQuarterly downloads every quarterly income statement Alpha
// Vantage has for the symbol, newest first (upstream order).
func (p *AlphaVantageProvider) FetchQuarterly(ctx context.Context, symbol string) ([]datatypes.FinancialStatement, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("financials.alphavantage: rate limit wait: %w", err)
	}

	reqURL, err := p.buildURL(symbol)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("financials.alphavantage: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("financials.alphavantage: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("financials.alphavantage: fetch %s: status %d", symbol, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("financials.alphavantage: read %s: %w", symbol, err)
	}

	var doc incomeStatementDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("financials.alphavantage: parse %s: %w", symbol, err)
	}
	// Rate-limit notices and errors come back as 200s with a message
	// field instead of data.
	if doc.Note != "" || doc.ErrorMessage != "" || doc.Information != "" {
		return nil, fmt.Errorf("financials.alphavantage: %s: upstream refused: %s%s%s",
			symbol, doc.Note, doc.ErrorMessage, doc.Information)
	}

	fetchedAt := p.now().UTC()
	statements := make([]datatypes.FinancialStatement, 0, len(doc.QuarterlyReports))
	for _, report := range doc.QuarterlyReports {
		ending, ok := report["fiscalDateEnding"].(string)
		if !ok {
			continue
		}
		endDate, err := time.ParseInLocation("2006-01-02", ending, time.UTC)
		if err != nil {
			continue
		}

		values := make(map[string]*float64, len(statementFields))
		for ours, theirs := range statementFields {
			values[ours] = parseReportValue(report[theirs])
		}

		statements = append(statements, datatypes.FinancialStatement{
			Symbol:          symbol,
			Quarter:         QuarterOf(endDate),
			Source:          SourceAlphaVantage,
			DataTimestamp:   fetchedAt,
			SourceTimestamp: &endDate,
			Values:          values,
		})
	}

	return statements, nil
}

// buildURL assembles the request URL, opening the key enclave only for
// the duration of this call.
func (p *AlphaVantageProvider) buildURL(symbol string) (string, error) {
	buf, err := p.key.Open()
	if err != nil {
		return "", fmt.Errorf("financials.alphavantage: open key enclave: %w", err)
	}
	defer buf.Destroy()

	q := url.Values{}
	q.Set("function", "INCOME_STATEMENT")
	q.Set("symbol", symbol)
	q.Set("apikey", buf.String())
	return p.baseURL + "?" + q.Encode(), nil
}

// parseReportValue turns Alpha Vantage's stringly numbers into floats.
// "None" and unparsable values map to nil, which serializes as null.
func parseReportValue(v any) *float64 {
	s, ok := v.(string)
	if !ok || s == "" || s == "None" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// QuarterOf formats a date's calendar quarter as "YYYYQn".
func QuarterOf(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%dQ%d", t.Year(), (int(t.Month())-1)/3+1)
}

// CurrentQuarter returns the calendar quarter containing asOf.
func CurrentQuarter(asOf time.Time) string {
	return QuarterOf(asOf)
}
