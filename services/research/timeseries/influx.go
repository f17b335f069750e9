// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package timeseries mirrors fetched daily bars into InfluxDB and reads
// them back for chart rendering.
//
// The mirror is optional infrastructure: the analysis pipeline is
// correct without it, so sink failures are logged by the caller and
// never fail a fetch. When Influx is not configured a NopSink stands
// in.
package timeseries

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/BeringQuant/BeringFOSS/pkg/validation"
	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// measurement is the InfluxDB measurement daily bars are written to.
const measurement = "stock_prices"

// writeAPI and queryAPI are the client surfaces the sink uses,
// extracted so tests can fake them.
type writeAPI interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type queryAPI interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// InfluxSink mirrors bars into an InfluxDB bucket and serves chart
// queries from it.
type InfluxSink struct {
	client influxdb2.Client
	write  writeAPI
	query  queryAPI
	bucket string
	logger *slog.Logger
}

// NewInfluxSink connects a sink to an InfluxDB instance.
func NewInfluxSink(url, token, org, bucket string, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		query:  client.QueryAPI(org),
		bucket: bucket,
		logger: logger,
	}
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// WriteBars mirrors one fetched series, one point per bar, tagged by
// ticker. Uses the blocking write API so the caller knows the mirror
// either landed or failed.
func (s *InfluxSink) WriteBars(ctx context.Context, md datatypes.MarketData) error {
	if err := validation.ValidateTicker(md.Symbol); err != nil {
		return fmt.Errorf("timeseries: %w", err)
	}

	points := make([]*write.Point, 0, len(md.Bars))
	for _, bar := range md.Bars {
		points = append(points, influxdb2.NewPoint(
			measurement,
			map[string]string{"ticker": md.Symbol},
			map[string]interface{}{
				"open":   bar.Open,
				"high":   bar.High,
				"low":    bar.Low,
				"close":  bar.Close,
				"volume": bar.Volume,
			},
			bar.Date,
		))
	}
	if len(points) == 0 {
		return nil
	}

	if err := s.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("timeseries: write %d points for %s: %w", len(points), md.Symbol, err)
	}

	s.logger.Debug("timeseries.influx: bars mirrored",
		slog.String("ticker", md.Symbol),
		slog.Int("points", len(points)),
	)
	return nil
}

// QueryBars reads the last days of bars for a ticker, optionally capped
// at endDate (zero time means live mode, up to now). The ticker is
// validated before being spliced into the Flux query.
func (s *InfluxSink) QueryBars(ctx context.Context, ticker string, days int, endDate time.Time) ([]datatypes.MarketBar, error) {
	if err := validation.ValidateTicker(ticker); err != nil {
		return nil, fmt.Errorf("timeseries: %w", err)
	}
	if days <= 0 {
		days = 252
	}

	// The range start pads a few extra days so weekends at the window
	// edge do not shave off trading days.
	var query string
	if endDate.IsZero() {
		query = fmt.Sprintf(`
			from(bucket: "%s")
			  |> range(start: -%dd)
			  |> filter(fn: (r) => r._measurement == "%s")
			  |> filter(fn: (r) => r.ticker == "%s")
			  |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			  |> sort(columns: ["_time"], desc: false)
		`, s.bucket, days+10, measurement, ticker)
	} else {
		stop := endDate.UTC().Format("2006-01-02") + "T23:59:59Z"
		query = fmt.Sprintf(`
			from(bucket: "%s")
			  |> range(start: -%dd, stop: %s)
			  |> filter(fn: (r) => r._measurement == "%s")
			  |> filter(fn: (r) => r.ticker == "%s")
			  |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			  |> sort(columns: ["_time"], desc: false)
		`, s.bucket, days+10, stop, measurement, ticker)
	}

	result, err := s.query.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("timeseries: query %s: %w", ticker, err)
	}
	if result == nil {
		return []datatypes.MarketBar{}, nil
	}

	bars := make([]datatypes.MarketBar, 0, days)
	for result.Next() {
		record := result.Record()
		bar := datatypes.MarketBar{Date: record.Time().UTC()}

		if v, ok := record.ValueByKey("open").(float64); ok {
			bar.Open = v
		}
		if v, ok := record.ValueByKey("high").(float64); ok {
			bar.High = v
		}
		if v, ok := record.ValueByKey("low").(float64); ok {
			bar.Low = v
		}
		if v, ok := record.ValueByKey("close").(float64); ok {
			bar.Close = v
		}
		switch v := record.ValueByKey("volume").(type) {
		case int64:
			bar.Volume = v
		case float64:
			bar.Volume = int64(v)
		}

		bars = append(bars, bar)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("timeseries: read query result for %s: %w", ticker, err)
	}

	return bars, nil
}

// NopSink discards writes and serves empty queries, standing in when
// InfluxDB is not configured.
type NopSink struct{}

// WriteBars discards the series.
func (NopSink) WriteBars(ctx context.Context, md datatypes.MarketData) error { return nil }

// QueryBars reports no data.
func (NopSink) QueryBars(ctx context.Context, ticker string, days int, endDate time.Time) ([]datatypes.MarketBar, error) {
	return []datatypes.MarketBar{}, nil
}
