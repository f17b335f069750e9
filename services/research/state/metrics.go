// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for state operations.
var meter = otel.Meter("bering.research.state")

// Metrics for state operations.
var (
	stateUpdates       metric.Int64Counter
	checkpointSaves    metric.Int64Counter
	rollbacks          metric.Int64Counter
	checkpointDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		stateUpdates, err = meter.Int64Counter(
			"research_state_updates_total",
			metric.WithDescription("Total number of state field updates"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkpointSaves, err = meter.Int64Counter(
			"research_state_checkpoints_total",
			metric.WithDescription("Total number of checkpoints saved"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbacks, err = meter.Int64Counter(
			"research_state_rollbacks_total",
			metric.WithDescription("Total number of rollbacks"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkpointDuration, err = meter.Float64Histogram(
			"research_state_checkpoint_duration_seconds",
			metric.WithDescription("Duration of checkpoint saves including durable persistence"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordUpdate(ctx context.Context, field string) {
	if err := initMetrics(); err != nil {
		return
	}
	stateUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("field", field)))
}

func recordCheckpoint(ctx context.Context, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	checkpointSaves.Add(ctx, 1)
	checkpointDuration.Record(ctx, duration.Seconds())
}

func recordRollback(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	rollbacks.Add(ctx, 1)
}
