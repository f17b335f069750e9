// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"encoding/json"
	"fmt"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// applyUpdate writes value into the named field of st, coercing from
// the natural Go type or from raw JSON (json.RawMessage), which lets
// HTTP handlers pass request bodies through without decoding twice.
// Append mode is only valid for the two list-typed fields.
func applyUpdate(st *datatypes.ResearchState, field string, value any, appendMode bool) error {
	if appendMode && field != datatypes.FieldMessages && field != datatypes.FieldRulesViolations {
		return fmt.Errorf("%w: field %q does not support append", ErrInvalidField, field)
	}

	switch field {
	case datatypes.FieldQuery:
		return applyQuery(st, value)
	case datatypes.FieldTarget:
		return applyTarget(st, value)
	case datatypes.FieldDataStore:
		return applyBag(&st.DataStore, field, value)
	case datatypes.FieldAnalyticMetrics:
		return applyBag(&st.AnalyticMetrics, field, value)
	case datatypes.FieldRulesViolations:
		return applyRulesViolations(st, value, appendMode)
	case datatypes.FieldMessages:
		return applyMessages(st, value, appendMode)
	case datatypes.FieldFinalSnapshot:
		return applyFinalSnapshot(st, value)
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidField, field)
	}
}

func applyQuery(st *datatypes.ResearchState, value any) error {
	switch v := value.(type) {
	case string:
		st.Query = v
		return nil
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidField, datatypes.FieldQuery, err)
		}
		st.Query = s
		return nil
	default:
		return fmt.Errorf("%w: field %q expects string, got %T", ErrInvalidField, datatypes.FieldQuery, value)
	}
}

func applyTarget(st *datatypes.ResearchState, value any) error {
	switch v := value.(type) {
	case nil:
		st.Target = nil
		return nil
	case *datatypes.CompanyIdentity:
		st.Target = v
		return nil
	case datatypes.CompanyIdentity:
		st.Target = &v
		return nil
	case json.RawMessage:
		var id datatypes.CompanyIdentity
		if err := json.Unmarshal(v, &id); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidField, datatypes.FieldTarget, err)
		}
		st.Target = &id
		return nil
	default:
		return fmt.Errorf("%w: field %q expects CompanyIdentity, got %T", ErrInvalidField, datatypes.FieldTarget, value)
	}
}

func applyBag(dst *map[string]any, field string, value any) error {
	switch v := value.(type) {
	case map[string]any:
		*dst = v
		return nil
	case json.RawMessage:
		var bag map[string]any
		if err := json.Unmarshal(v, &bag); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidField, field, err)
		}
		*dst = bag
		return nil
	default:
		return fmt.Errorf("%w: field %q expects map[string]any, got %T", ErrInvalidField, field, value)
	}
}

func applyRulesViolations(st *datatypes.ResearchState, value any, appendMode bool) error {
	flags, err := coerceFlags(value)
	if err != nil {
		return err
	}
	if appendMode {
		st.RulesViolations = append(st.RulesViolations, flags...)
	} else {
		st.RulesViolations = flags
	}
	return nil
}

func coerceFlags(value any) ([]datatypes.RiskFlag, error) {
	switch v := value.(type) {
	case []datatypes.RiskFlag:
		return v, nil
	case datatypes.RiskFlag:
		return []datatypes.RiskFlag{v}, nil
	case *datatypes.RiskFlag:
		return []datatypes.RiskFlag{*v}, nil
	case datatypes.RuleResults:
		return v.Flags, nil
	case json.RawMessage:
		var many []datatypes.RiskFlag
		if err := json.Unmarshal(v, &many); err == nil {
			return many, nil
		}
		var one datatypes.RiskFlag
		if err := json.Unmarshal(v, &one); err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidField, datatypes.FieldRulesViolations, err)
		}
		return []datatypes.RiskFlag{one}, nil
	default:
		return nil, fmt.Errorf("%w: field %q expects RiskFlag values, got %T", ErrInvalidField, datatypes.FieldRulesViolations, value)
	}
}

func applyMessages(st *datatypes.ResearchState, value any, appendMode bool) error {
	msgs, err := coerceMessages(value)
	if err != nil {
		return err
	}
	if appendMode {
		st.Messages = append(st.Messages, msgs...)
	} else {
		st.Messages = msgs
	}
	return nil
}

func coerceMessages(value any) ([]datatypes.LLMMessage, error) {
	switch v := value.(type) {
	case []datatypes.LLMMessage:
		return v, nil
	case datatypes.LLMMessage:
		return []datatypes.LLMMessage{v}, nil
	case *datatypes.LLMMessage:
		return []datatypes.LLMMessage{*v}, nil
	case json.RawMessage:
		var many []datatypes.LLMMessage
		if err := json.Unmarshal(v, &many); err == nil {
			return many, nil
		}
		var one datatypes.LLMMessage
		if err := json.Unmarshal(v, &one); err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidField, datatypes.FieldMessages, err)
		}
		return []datatypes.LLMMessage{one}, nil
	default:
		return nil, fmt.Errorf("%w: field %q expects LLMMessage values, got %T", ErrInvalidField, datatypes.FieldMessages, value)
	}
}

func applyFinalSnapshot(st *datatypes.ResearchState, value any) error {
	switch v := value.(type) {
	case nil:
		st.FinalSnapshot = nil
		return nil
	case *datatypes.AnalysisSnapshot:
		st.FinalSnapshot = v
		return nil
	case datatypes.AnalysisSnapshot:
		st.FinalSnapshot = &v
		return nil
	case json.RawMessage:
		var snap datatypes.AnalysisSnapshot
		if err := json.Unmarshal(v, &snap); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidField, datatypes.FieldFinalSnapshot, err)
		}
		st.FinalSnapshot = &snap
		return nil
	default:
		return fmt.Errorf("%w: field %q expects AnalysisSnapshot, got %T", ErrInvalidField, datatypes.FieldFinalSnapshot, value)
	}
}
