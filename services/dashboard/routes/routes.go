// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the dashboard API endpoints onto a gin engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/BeringQuant/BeringFOSS/pkg/telemetry"
	"github.com/BeringQuant/BeringFOSS/services/dashboard/handlers"
	"github.com/BeringQuant/BeringFOSS/services/research/state"
)

// Deps carries everything the route table needs.
type Deps struct {
	Analyzer     handlers.Analyzer
	Manager      *state.Manager
	Events       *state.EventFeed
	Bars         handlers.BarReader
	SnapshotsDir string
}

// SetupRoutes registers all dashboard endpoints.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(otelgin.Middleware("bering-dashboard"))

	router.GET("/health", handlers.HealthCheck)

	// The otel Prometheus bridge shares the default registry with the
	// promauto vectors, so one handler serves both.
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	v1 := router.Group("/v1")
	{
		research := v1.Group("/research")
		{
			research.POST("/analyze", handlers.HandleAnalyze(deps.Analyzer))
			research.GET("/snapshots/:id", handlers.HandleGetSnapshot(deps.SnapshotsDir))
			research.GET("/bars", handlers.HandleGetBars(deps.Bars))
			research.GET("/events", handlers.HandleEvents(deps.Events))

			threads := research.Group("/threads")
			{
				threads.GET("/:thread/checkpoints", handlers.HandleListCheckpoints(deps.Manager))
				threads.POST("/:thread/rollback", handlers.HandleRollback(deps.Manager))
				threads.GET("/:thread/evidence", handlers.HandleGetEvidence(deps.Manager))
			}
		}
	}
}
