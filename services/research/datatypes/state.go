// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"time"
)

// Message roles for the LLM interaction trace.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// State field names accepted by the state manager's update operations.
// These match the JSON keys of ResearchState so that field-addressed
// updates, checkpoints, and evidence chains all speak the same names.
const (
	FieldQuery           = "query"
	FieldTarget          = "target"
	FieldDataStore       = "data_store"
	FieldAnalyticMetrics = "analytic_metrics"
	FieldRulesViolations = "rules_violations"
	FieldMessages        = "messages"
	FieldFinalSnapshot   = "final_snapshot"
)

// LLMMessage is one entry in the session's LLM interaction trace.
type LLMMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	TokenCount *int           `json:"token_count,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StepMetadata tracks where a session is in its pipeline.
//
// StepIndex is monotonically non-decreasing within a thread; the state
// manager increments it on every update. Error carries the message of a
// failed step so checkpoints record what went wrong.
type StepMetadata struct {
	Timestamp       time.Time `json:"timestamp"`
	StepIndex       int       `json:"step_index"`
	NodeName        string    `json:"node_name"`
	ThreadID        string    `json:"thread_id"`
	TotalTokens     int       `json:"total_tokens"`
	ExecutionTimeMS float64   `json:"execution_time_ms"`
	Error           string    `json:"error,omitempty"`
}

// ResearchState is the evolving record of one research session.
//
// # Description
//
// A state value moves through the pipeline accumulating the resolved
// target, raw fetched data (DataStore), computed metrics
// (AnalyticMetrics), triggered rule flags, and the LLM message trace.
// States are value-semantic by convention: the state manager hands out
// deep copies only and mutates via copy-on-write, so two goroutines can
// never alias the same live state.
//
// # Thread Safety
//
// The struct itself is not synchronized. All shared access goes through
// the state manager, which serializes mutation and returns clones.
type ResearchState struct {
	ThreadID        string            `json:"thread_id"`
	Query           string            `json:"query"`
	Target          *CompanyIdentity  `json:"target,omitempty"`
	DataStore       map[string]any    `json:"data_store"`
	AnalyticMetrics map[string]any    `json:"analytic_metrics"`
	RulesViolations []RiskFlag        `json:"rules_violations"`
	Messages        []LLMMessage      `json:"messages"`
	StepMetadata    StepMetadata      `json:"step_metadata"`
	FinalSnapshot   *AnalysisSnapshot `json:"final_snapshot,omitempty"`
}

// Clone returns a deep copy of the state.
//
// Typed fields are copied directly. The two untyped bags (DataStore,
// AnalyticMetrics) go through a JSON roundtrip so nested maps and slices
// are fully detached; if marshaling fails the bag falls back to a
// shallow copy, which only happens if a caller stored a non-JSON value.
func (s *ResearchState) Clone() *ResearchState {
	if s == nil {
		return nil
	}

	clone := &ResearchState{
		ThreadID:        s.ThreadID,
		Query:           s.Query,
		DataStore:       cloneBag(s.DataStore),
		AnalyticMetrics: cloneBag(s.AnalyticMetrics),
		StepMetadata:    s.StepMetadata,
	}

	if s.Target != nil {
		t := *s.Target
		clone.Target = &t
	}

	if s.RulesViolations != nil {
		clone.RulesViolations = make([]RiskFlag, len(s.RulesViolations))
		copy(clone.RulesViolations, s.RulesViolations)
	}

	if s.Messages != nil {
		clone.Messages = make([]LLMMessage, len(s.Messages))
		for i, m := range s.Messages {
			cm := m
			if m.TokenCount != nil {
				tc := *m.TokenCount
				cm.TokenCount = &tc
			}
			cm.Metadata = cloneBag(m.Metadata)
			clone.Messages[i] = cm
		}
	}

	if s.FinalSnapshot != nil {
		snap := *s.FinalSnapshot
		if s.FinalSnapshot.Financials != nil {
			snap.Financials = make([]FinancialStatement, len(s.FinalSnapshot.Financials))
			copy(snap.Financials, s.FinalSnapshot.Financials)
		}
		if s.FinalSnapshot.MarketData.Bars != nil {
			snap.MarketData.Bars = make([]MarketBar, len(s.FinalSnapshot.MarketData.Bars))
			copy(snap.MarketData.Bars, s.FinalSnapshot.MarketData.Bars)
		}
		if s.FinalSnapshot.Rules.Flags != nil {
			snap.Rules.Flags = make([]RiskFlag, len(s.FinalSnapshot.Rules.Flags))
			copy(snap.Rules.Flags, s.FinalSnapshot.Rules.Flags)
		}
		clone.FinalSnapshot = &snap
	}

	return clone
}

// cloneBag deep-copies an untyped map via JSON roundtrip, falling back
// to a shallow copy for values JSON cannot represent.
func cloneBag(bag map[string]any) map[string]any {
	if bag == nil {
		return nil
	}
	out := make(map[string]any, len(bag))
	if len(bag) == 0 {
		return out
	}
	data, err := json.Marshal(bag)
	if err == nil && json.Unmarshal(data, &out) == nil {
		return out
	}
	for k, v := range bag {
		out[k] = v
	}
	return out
}
