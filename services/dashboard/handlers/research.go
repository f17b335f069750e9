// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the dashboard API endpoints.
//
// Handlers are constructor functions returning gin.HandlerFunc
// closures over their dependencies, so tests can substitute fakes
// without a container. Every endpoint returns the uniform
// {"error", "details"} envelope on failure.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/BeringQuant/BeringFOSS/services/dashboard/datatypes"
	"github.com/BeringQuant/BeringFOSS/services/dashboard/observability"
	rdt "github.com/BeringQuant/BeringFOSS/services/research/datatypes"
	"github.com/BeringQuant/BeringFOSS/services/research/snapshot"
	"github.com/BeringQuant/BeringFOSS/services/research/state"
)

// Analyzer runs one end-to-end research pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, query string, asOf time.Time, threadID string) (*rdt.AnalysisSnapshot, error)
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleAnalyze runs the research pipeline for a query.
func HandleAnalyze(analyzer Analyzer) gin.HandlerFunc {
	metrics := observability.InitMetrics()

	return func(c *gin.Context) {
		start := time.Now()

		var req datatypes.AnalyzeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request body", err)
			metrics.RecordRequest("analyze", false, time.Since(start).Seconds())
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, http.StatusBadRequest, "request validation failed", err)
			metrics.RecordRequest("analyze", false, time.Since(start).Seconds())
			return
		}

		// Mint the session ID here when the caller omits one, so the
		// response can point at the thread that owns the run.
		threadID := req.ThreadID
		if threadID == "" {
			threadID = uuid.NewString()
		}

		snap, err := analyzer.Analyze(c.Request.Context(), req.Query, req.AsOfTime(), threadID)
		if err != nil {
			slog.Error("dashboard.analyze: pipeline failed",
				"query", req.Query, "error", err)
			respondError(c, statusFor(err), "analysis failed", err)
			metrics.RecordAnalysis(false)
			metrics.RecordRequest("analyze", false, time.Since(start).Seconds())
			return
		}

		severities := make([]string, 0, len(snap.Rules.Flags))
		for _, f := range snap.Rules.Flags {
			severities = append(severities, string(f.Severity))
		}
		metrics.RecordAnalysis(true)
		metrics.RecordFlags(severities)
		metrics.RecordRequest("analyze", true, time.Since(start).Seconds())

		c.JSON(http.StatusOK, datatypes.AnalyzeResponse{
			AnalysisID: snap.AnalysisID,
			ThreadID:   threadID,
			Symbol:     snap.Symbol,
			AsOf:       snap.AsOf,
			Flags:      snap.Rules.Flags,
		})
	}
}

// HandleGetSnapshot serves a persisted snapshot by analysis ID.
func HandleGetSnapshot(dir string) gin.HandlerFunc {
	metrics := observability.InitMetrics()

	return func(c *gin.Context) {
		start := time.Now()
		id := c.Param("id")

		snap, err := snapshot.Read(dir, id)
		if err != nil {
			respondError(c, statusFor(err), "snapshot not available", err)
			metrics.RecordRequest("snapshot", false, time.Since(start).Seconds())
			return
		}
		metrics.RecordRequest("snapshot", true, time.Since(start).Seconds())
		c.JSON(http.StatusOK, snap)
	}
}

// HandleListCheckpoints lists a thread's checkpoint history.
func HandleListCheckpoints(mgr *state.Manager) gin.HandlerFunc {
	metrics := observability.InitMetrics()

	return func(c *gin.Context) {
		start := time.Now()
		thread := c.Param("thread")

		cps := mgr.ListCheckpoints(thread)
		metrics.RecordRequest("checkpoints", true, time.Since(start).Seconds())
		c.JSON(http.StatusOK, gin.H{
			"thread_id":   thread,
			"checkpoints": cps,
		})
	}
}

// HandleRollback restores a thread to a prior checkpointed step.
func HandleRollback(mgr *state.Manager) gin.HandlerFunc {
	metrics := observability.InitMetrics()

	return func(c *gin.Context) {
		start := time.Now()
		thread := c.Param("thread")

		var req datatypes.RollbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request body", err)
			metrics.RecordRequest("rollback", false, time.Since(start).Seconds())
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, http.StatusBadRequest, "request validation failed", err)
			metrics.RecordRequest("rollback", false, time.Since(start).Seconds())
			return
		}

		st, err := mgr.Session(thread).Rollback(*req.StepIndex)
		if err != nil {
			respondError(c, statusFor(err), "rollback failed", err)
			metrics.RecordRequest("rollback", false, time.Since(start).Seconds())
			return
		}

		slog.Info("dashboard.rollback: thread restored",
			"thread_id", thread, "step_index", *req.StepIndex)
		metrics.RecordRequest("rollback", true, time.Since(start).Seconds())
		c.JSON(http.StatusOK, datatypes.RollbackResponse{
			ThreadID:  st.ThreadID,
			StepIndex: st.StepMetadata.StepIndex,
			NodeName:  st.StepMetadata.NodeName,
		})
	}
}

// HandleGetEvidence serves the audit record behind a conclusion key.
// The key defaults to rules_violations.
func HandleGetEvidence(mgr *state.Manager) gin.HandlerFunc {
	metrics := observability.InitMetrics()

	return func(c *gin.Context) {
		start := time.Now()
		thread := c.Param("thread")
		key := c.DefaultQuery("key", rdt.FieldRulesViolations)

		evidence := mgr.Session(thread).EvidenceChain(key)
		metrics.RecordRequest("evidence", true, time.Since(start).Seconds())
		c.JSON(http.StatusOK, evidence)
	}
}
