// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the dashboard
// API.
//
// Metrics are exposed via the /metrics endpoint served by the daemon;
// the otel Prometheus bridge registers with the same default registry,
// so one handler serves both instrument families.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "bering"
	apiSubsystem     = "dashboard"
)

// APIMetrics holds the Prometheus metrics for the dashboard API.
type APIMetrics struct {
	// RequestsTotal counts API requests by endpoint and status.
	// Labels: endpoint (analyze, snapshot, checkpoints, rollback,
	// evidence, bars), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures handler latency by endpoint.
	RequestDurationSeconds *prometheus.HistogramVec

	// AnalysesTotal counts pipeline runs by outcome.
	// Labels: status (success, error)
	AnalysesTotal *prometheus.CounterVec

	// FlagsRaisedTotal counts risk flags raised across all analyses.
	// Labels: severity (high, medium, low)
	FlagsRaisedTotal *prometheus.CounterVec

	// ActiveEventStreams tracks open websocket event subscribers.
	ActiveEventStreams prometheus.Gauge
}

var (
	// DefaultMetrics is the process-wide metrics instance, set by
	// InitMetrics.
	DefaultMetrics *APIMetrics

	initOnce sync.Once
)

// InitMetrics registers the dashboard metrics with the default
// registry. Safe to call more than once; registration happens on the
// first call only.
func InitMetrics() *APIMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &APIMetrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: apiSubsystem,
					Name:      "requests_total",
					Help:      "Total API requests by endpoint and status",
				},
				[]string{"endpoint", "status"},
			),

			RequestDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: apiSubsystem,
					Name:      "request_duration_seconds",
					Help:      "Handler latency by endpoint",
					Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
				},
				[]string{"endpoint"},
			),

			AnalysesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: apiSubsystem,
					Name:      "analyses_total",
					Help:      "Pipeline runs by outcome",
				},
				[]string{"status"},
			),

			FlagsRaisedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: apiSubsystem,
					Name:      "flags_raised_total",
					Help:      "Risk flags raised across analyses by severity",
				},
				[]string{"severity"},
			),

			ActiveEventStreams: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: apiSubsystem,
					Name:      "active_event_streams",
					Help:      "Open websocket event subscribers",
				},
			),
		}
	})
	return DefaultMetrics
}

// RecordRequest records one completed request with its latency.
func (m *APIMetrics) RecordRequest(endpoint string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDurationSeconds.WithLabelValues(endpoint).Observe(seconds)
}

// RecordAnalysis records one pipeline run outcome.
func (m *APIMetrics) RecordAnalysis(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.AnalysesTotal.WithLabelValues(status).Inc()
}

// RecordFlags records raised flags by severity.
func (m *APIMetrics) RecordFlags(severities []string) {
	for _, s := range severities {
		m.FlagsRaisedTotal.WithLabelValues(s).Inc()
	}
}

// StreamStarted increments the websocket subscriber gauge.
func (m *APIMetrics) StreamStarted() { m.ActiveEventStreams.Inc() }

// StreamEnded decrements the websocket subscriber gauge.
func (m *APIMetrics) StreamEnded() { m.ActiveEventStreams.Dec() }
