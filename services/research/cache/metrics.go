// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for cache operations.
var meter = otel.Meter("bering.research.cache")

// Metrics for cache operations.
var (
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	cacheEvictions  metric.Int64Counter
	cacheErrors     metric.Int64Counter
	cacheGetLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"research_cache_hits_total",
			metric.WithDescription("Total number of cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"research_cache_misses_total",
			metric.WithDescription("Total number of cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"research_cache_evictions_total",
			metric.WithDescription("Total number of lazily evicted expired entries"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheErrors, err = meter.Int64Counter(
			"research_cache_errors_total",
			metric.WithDescription("Total number of cache backend errors"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheGetLatency, err = meter.Float64Histogram(
			"research_cache_get_duration_seconds",
			metric.WithDescription("Duration of cache get operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordGet records the outcome and latency of one Get call.
func recordGet(ctx context.Context, backend string, hit bool, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	if hit {
		cacheHits.Add(ctx, 1, attrs)
	} else {
		cacheMisses.Add(ctx, 1, attrs)
	}
	cacheGetLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.Bool("hit", hit),
		),
	)
}

// recordEviction records one lazy eviction of an expired entry.
func recordEviction(ctx context.Context, backend string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

// recordError records one backend failure.
func recordError(ctx context.Context, backend, operation string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}
