// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the dashboard API request and response
// shapes. Requests validate themselves via go-playground/validator
// tags; handlers call Validate before touching any field.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"

	rdt "github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// apiValidate is the shared validator instance for API datatypes.
var apiValidate = validator.New()

// AnalyzeRequest starts a research run.
type AnalyzeRequest struct {
	// Query is the free-text company query ("AAPL", "apple", ...).
	Query string `json:"query" validate:"required,min=1,max=200"`

	// AsOf pins the analysis date (YYYY-MM-DD). Empty means today.
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`

	// ThreadID resumes or names the session. Empty means a fresh one.
	ThreadID string `json:"thread_id" validate:"omitempty,max=128"`
}

// Validate checks the request against its tags.
func (r *AnalyzeRequest) Validate() error {
	return apiValidate.Struct(r)
}

// AsOfTime resolves the as-of date, defaulting to now. Call only after
// Validate.
func (r *AnalyzeRequest) AsOfTime() time.Time {
	if r.AsOf == "" {
		return time.Now().UTC()
	}
	t, _ := time.Parse("2006-01-02", r.AsOf)
	return t
}

// AnalyzeResponse summarizes a completed run; the full snapshot is
// fetched separately by ID.
type AnalyzeResponse struct {
	AnalysisID string         `json:"analysis_id"`
	ThreadID   string         `json:"thread_id"`
	Symbol     string         `json:"symbol"`
	AsOf       time.Time      `json:"as_of"`
	Flags      []rdt.RiskFlag `json:"flags"`
}

// RollbackRequest restores a thread to a prior checkpoint.
type RollbackRequest struct {
	// StepIndex is the checkpointed step to restore. Pointer so that
	// an explicit 0 survives validation.
	StepIndex *int `json:"step_index" validate:"required,gte=0"`
}

// Validate checks the request against its tags.
func (r *RollbackRequest) Validate() error {
	return apiValidate.Struct(r)
}

// RollbackResponse reports the restored position.
type RollbackResponse struct {
	ThreadID  string `json:"thread_id"`
	StepIndex int    `json:"step_index"`
	NodeName  string `json:"node_name"`
}

// BarsResponse carries chart data for one ticker.
type BarsResponse struct {
	Ticker string          `json:"ticker"`
	Days   int             `json:"days"`
	Bars   []rdt.MarketBar `json:"bars"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
