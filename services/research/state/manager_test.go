// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BeringQuant/BeringFOSS/services/research/cache"
	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

func identityAAPL() datatypes.CompanyIdentity {
	return datatypes.CompanyIdentity{
		Symbol:      "AAPL",
		Market:      "US",
		CompanyName: "Apple Inc.",
		MatchedOn:   "ticker",
		Query:       "AAPL",
	}
}

func TestInitState(t *testing.T) {
	m := NewManager()
	st := m.InitState("analyze AAPL", "test-123")

	if st.ThreadID != "test-123" {
		t.Errorf("thread_id = %q, want test-123", st.ThreadID)
	}
	if st.Query != "analyze AAPL" {
		t.Errorf("query = %q", st.Query)
	}
	if st.StepMetadata.StepIndex != 0 {
		t.Errorf("step_index = %d, want 0", st.StepMetadata.StepIndex)
	}
	if st.StepMetadata.NodeName != "init" {
		t.Errorf("node_name = %q, want init", st.StepMetadata.NodeName)
	}
	if st.StepMetadata.ThreadID != "test-123" {
		t.Errorf("metadata thread_id = %q, want test-123", st.StepMetadata.ThreadID)
	}
	if m.ActiveThread() != "test-123" {
		t.Errorf("active thread = %q", m.ActiveThread())
	}
}

func TestInitState_GeneratesThreadID(t *testing.T) {
	m := NewManager()
	st := m.InitState("q", "")

	if st.ThreadID == "" {
		t.Fatal("thread_id not generated")
	}
	if st.StepMetadata.ThreadID != st.ThreadID {
		t.Errorf("metadata thread_id %q != state thread_id %q", st.StepMetadata.ThreadID, st.ThreadID)
	}
}

func TestUpdateState(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	st, err := m.UpdateState(datatypes.FieldTarget, identityAAPL())
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if st.Target == nil || st.Target.Symbol != "AAPL" {
		t.Errorf("target = %+v", st.Target)
	}
	if st.StepMetadata.StepIndex != 1 {
		t.Errorf("step_index = %d, want 1", st.StepMetadata.StepIndex)
	}
}

func TestUpdateState_NotInitialized(t *testing.T) {
	m := NewManager()
	_, err := m.UpdateState(datatypes.FieldQuery, "x")
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestUpdateState_UnknownField(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	_, err := m.UpdateState("nonsense", 42)
	if !errors.Is(err, ErrInvalidField) {
		t.Errorf("err = %v, want ErrInvalidField", err)
	}
}

func TestUpdateState_WrongType(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	_, err := m.UpdateState(datatypes.FieldQuery, 42)
	if !errors.Is(err, ErrInvalidField) {
		t.Errorf("err = %v, want ErrInvalidField", err)
	}
}

func TestUpdateState_RawJSON(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	raw := []byte(`{"symbol":"MSFT","market":"US","company_name":"Microsoft","matched_on":"ticker","query":"msft"}`)
	st, err := m.UpdateState(datatypes.FieldTarget, json.RawMessage(raw))
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	if st.Target == nil || st.Target.Symbol != "MSFT" {
		t.Errorf("target = %+v", st.Target)
	}
}

func TestAppendState_Messages(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	st1, err := m.AppendState(datatypes.FieldMessages, datatypes.LLMMessage{Role: datatypes.RoleUser, Content: "first"})
	if err != nil {
		t.Fatalf("AppendState: %v", err)
	}
	if len(st1.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(st1.Messages))
	}

	st2, err := m.AppendState(datatypes.FieldMessages, datatypes.LLMMessage{Role: datatypes.RoleAssistant, Content: "second"})
	if err != nil {
		t.Fatalf("AppendState: %v", err)
	}
	if len(st2.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(st2.Messages))
	}
	if st2.Messages[0].Content != "first" || st2.Messages[1].Content != "second" {
		t.Errorf("message order wrong: %+v", st2.Messages)
	}
	if st2.StepMetadata.StepIndex != 2 {
		t.Errorf("step_index = %d, want 2", st2.StepMetadata.StepIndex)
	}
}

func TestAppendState_WrapsSingleFlag(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	flag := datatypes.RiskFlag{Code: "VOLATILITY_HIGH", Severity: datatypes.SeverityMedium}
	st, err := m.AppendState(datatypes.FieldRulesViolations, flag)
	if err != nil {
		t.Fatalf("AppendState: %v", err)
	}
	if len(st.RulesViolations) != 1 || st.RulesViolations[0].Code != "VOLATILITY_HIGH" {
		t.Errorf("rules_violations = %+v", st.RulesViolations)
	}
}

func TestAppendState_NonListField(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	_, err := m.AppendState(datatypes.FieldQuery, "more")
	if !errors.Is(err, ErrInvalidField) {
		t.Errorf("err = %v, want ErrInvalidField", err)
	}

	// A rejected append must not consume a step.
	if st := m.GetState(); st.StepMetadata.StepIndex != 0 {
		t.Errorf("step_index after failed append = %d, want 0", st.StepMetadata.StepIndex)
	}
}

func TestStepIndexCountsEveryUpdate(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	const n = 7
	for i := 0; i < n; i++ {
		if _, err := m.UpdateState(datatypes.FieldQuery, fmt.Sprintf("update-%d", i)); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	if st := m.GetState(); st.StepMetadata.StepIndex != n {
		t.Errorf("step_index after %d updates = %d", n, st.StepMetadata.StepIndex)
	}
}

func TestSaveCheckpoint_AndList(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	m.InitState("q", "test-123")

	cp1, err := m.SaveCheckpoint(ctx, "step1")
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if cp1 != "test-123:0" {
		t.Errorf("checkpoint id = %q, want test-123:0", cp1)
	}

	if _, err := m.UpdateState(datatypes.FieldQuery, "updated"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	cp2, err := m.SaveCheckpoint(ctx, "step2")
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if cp2 != "test-123:1" {
		t.Errorf("checkpoint id = %q, want test-123:1", cp2)
	}

	cps := m.ListCheckpoints("test-123")
	if len(cps) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(cps))
	}
	if cps[0].StepIndex != 0 || cps[0].NodeName != "step1" {
		t.Errorf("cps[0] = %+v", cps[0])
	}
	if cps[1].StepIndex != 1 || cps[1].NodeName != "step2" {
		t.Errorf("cps[1] = %+v", cps[1])
	}
}

func TestSaveCheckpoint_KeepsNodeNameWhenEmpty(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	m.InitState("q", "t1")

	if _, err := m.SaveCheckpoint(ctx, ""); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cps := m.ListCheckpoints("t1")
	if len(cps) != 1 || cps[0].NodeName != "init" {
		t.Errorf("checkpoints = %+v, want node init", cps)
	}
}

func TestSaveCheckpoint_NotInitialized(t *testing.T) {
	m := NewManager()
	_, err := m.SaveCheckpoint(context.Background(), "n")
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestListCheckpoints_UnknownThread(t *testing.T) {
	m := NewManager()
	if cps := m.ListCheckpoints("ghost"); len(cps) != 0 {
		t.Errorf("checkpoints for unknown thread = %v, want empty", cps)
	}
}

func TestRollback(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	m.InitState("initial query", "test-123")
	if _, err := m.SaveCheckpoint(ctx, "checkpoint_0"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.UpdateState(datatypes.FieldQuery, "first update"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SaveCheckpoint(ctx, "checkpoint_1"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.UpdateState(datatypes.FieldQuery, "second update"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SaveCheckpoint(ctx, "checkpoint_2"); err != nil {
		t.Fatal(err)
	}

	if st := m.GetState(); st.StepMetadata.StepIndex != 2 {
		t.Fatalf("step before rollback = %d, want 2", st.StepMetadata.StepIndex)
	}

	rolled, err := m.Rollback(1)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rolled.Query != "first update" {
		t.Errorf("query after rollback = %q, want \"first update\"", rolled.Query)
	}
	if rolled.StepMetadata.StepIndex != 1 {
		t.Errorf("step after rollback = %d, want 1", rolled.StepMetadata.StepIndex)
	}

	// GetState must agree with the rollback result field for field.
	if st := m.GetState(); st.Query != "first update" || st.StepMetadata.StepIndex != 1 {
		t.Errorf("GetState after rollback = %q @ %d", st.Query, st.StepMetadata.StepIndex)
	}

	// History survives the rollback.
	if cps := m.ListCheckpoints("test-123"); len(cps) != 3 {
		t.Errorf("checkpoints after rollback = %d, want 3", len(cps))
	}

	// Rollback to the origin restores the initial query.
	rolled0, err := m.Rollback(0)
	if err != nil {
		t.Fatalf("Rollback(0): %v", err)
	}
	if rolled0.Query != "initial query" || rolled0.StepMetadata.StepIndex != 0 {
		t.Errorf("origin rollback = %q @ %d", rolled0.Query, rolled0.StepMetadata.StepIndex)
	}
}

func TestRollback_InvalidStep(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")
	if _, err := m.SaveCheckpoint(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	_, err := m.Rollback(999)
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("err = %v, want ErrCheckpointNotFound", err)
	}
}

func TestRollback_NotInitialized(t *testing.T) {
	m := NewManager()
	_, err := m.Rollback(0)
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestRollback_FirstMatchWins(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	m.InitState("q", "t1")

	// Two checkpoints at step 0: save, roll back, save again under a
	// different node name.
	if _, err := m.SaveCheckpoint(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Rollback(0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SaveCheckpoint(ctx, "second"); err != nil {
		t.Fatal(err)
	}

	rolled, err := m.Rollback(0)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rolled.StepMetadata.NodeName != "first" {
		t.Errorf("node_name = %q, want first (earliest match)", rolled.StepMetadata.NodeName)
	}
}

func TestRollback_ContinuesFromRestoredStep(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	m.InitState("q", "t1")
	if _, err := m.SaveCheckpoint(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateState(datatypes.FieldQuery, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Rollback(0); err != nil {
		t.Fatal(err)
	}

	st, err := m.UpdateState(datatypes.FieldQuery, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if st.StepMetadata.StepIndex != 1 {
		t.Errorf("step after post-rollback update = %d, want 1", st.StepMetadata.StepIndex)
	}
}

func TestGetState_ReturnsCopy(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	st := m.GetState()
	st.Query = "mutated"
	st.DataStore["injected"] = true

	fresh := m.GetState()
	if fresh.Query != "q" {
		t.Error("mutating the returned state leaked into the manager")
	}
	if _, ok := fresh.DataStore["injected"]; ok {
		t.Error("mutating the returned data store leaked into the manager")
	}
}

func TestGetState_NilBeforeInit(t *testing.T) {
	m := NewManager()
	if st := m.GetState(); st != nil {
		t.Errorf("state before init = %+v, want nil", st)
	}
}

func TestGetEvidenceChain_RulesViolations(t *testing.T) {
	m := NewManager()
	m.InitState("analyze AAPL", "test-123")

	mustUpdate(t, m, datatypes.FieldTarget, identityAAPL())
	mustUpdate(t, m, datatypes.FieldDataStore, map[string]any{
		"market_data": map[string]any{"symbol": "AAPL", "bars": []any{}},
	})
	mustUpdate(t, m, datatypes.FieldAnalyticMetrics, map[string]any{
		"volatility": 0.35, "max_drawdown": -0.28,
	})
	tc := 12
	if _, err := m.AppendState(datatypes.FieldMessages, datatypes.LLMMessage{
		Role: datatypes.RoleAssistant, Content: "done", Timestamp: time.Now().UTC(), TokenCount: &tc,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AppendState(datatypes.FieldRulesViolations, datatypes.RiskFlag{
		Code: "DRAWDOWN_HIGH", Severity: datatypes.SeverityHigh,
	}); err != nil {
		t.Fatal(err)
	}

	ev := m.GetEvidenceChain(datatypes.FieldRulesViolations)

	flags, ok := ev["conclusion"].([]datatypes.RiskFlag)
	if !ok || len(flags) != 1 || flags[0].Code != "DRAWDOWN_HIGH" {
		t.Errorf("conclusion = %#v", ev["conclusion"])
	}
	metrics, ok := ev["supporting_metrics"].(map[string]any)
	if !ok || metrics["max_drawdown"] != -0.28 {
		t.Errorf("supporting_metrics = %#v", ev["supporting_metrics"])
	}
	raw, ok := ev["raw_data"].(map[string]any)
	if !ok || raw["symbol"] != "AAPL" {
		t.Errorf("raw_data = %#v", ev["raw_data"])
	}
	target, ok := ev["target"].(*datatypes.CompanyIdentity)
	if !ok || target.Symbol != "AAPL" {
		t.Errorf("target = %#v", ev["target"])
	}
	trace, ok := ev["message_trace"].([]map[string]any)
	if !ok || len(trace) != 1 || trace[0]["role"] != datatypes.RoleAssistant || trace[0]["tokens"] != 12 {
		t.Errorf("message_trace = %#v", ev["message_trace"])
	}
	if ev["thread_id"] != "test-123" || ev["query"] != "analyze AAPL" {
		t.Errorf("identity fields = %v / %v", ev["thread_id"], ev["query"])
	}
}

func TestGetEvidenceChain_AnalyticMetrics(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")
	mustUpdate(t, m, datatypes.FieldAnalyticMetrics, map[string]any{"ma_20": 150.5})

	ev := m.GetEvidenceChain(datatypes.FieldAnalyticMetrics)
	if _, present := ev["supporting_metrics"]; present {
		t.Error("analytic_metrics chain must not carry supporting_metrics")
	}
	if _, present := ev["raw_data"]; !present {
		t.Error("analytic_metrics chain must carry raw_data")
	}
	metrics, ok := ev["conclusion"].(map[string]any)
	if !ok || metrics["ma_20"] != 150.5 {
		t.Errorf("conclusion = %#v", ev["conclusion"])
	}
}

func TestGetEvidenceChain_OtherKey(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	ev := m.GetEvidenceChain(datatypes.FieldQuery)
	if ev["conclusion"] != "q" {
		t.Errorf("conclusion = %#v", ev["conclusion"])
	}
	for _, forbidden := range []string{"supporting_metrics", "raw_data", "target"} {
		if _, present := ev[forbidden]; present {
			t.Errorf("generic chain must not carry %s", forbidden)
		}
	}
}

func TestGetEvidenceChain_Uninitialized(t *testing.T) {
	m := NewManager()
	ev := m.GetEvidenceChain(datatypes.FieldRulesViolations)
	if len(ev) != 0 {
		t.Errorf("evidence before init = %#v, want empty", ev)
	}
}

func TestSessionEvidenceChain_TargetsOwnThread(t *testing.T) {
	m := NewManager()
	m.InitState("first query", "t1")
	s1 := m.Session("t1")
	m.InitState("second query", "t2")

	ev := s1.EvidenceChain(datatypes.FieldQuery)
	if ev["thread_id"] != "t1" || ev["conclusion"] != "first query" {
		t.Errorf("session evidence = %#v, want thread t1", ev)
	}
}

func TestMarkStepError(t *testing.T) {
	m := NewManager()
	m.InitState("q", "t1")

	m.MarkStepError("t1", "fetch_data", errors.New("upstream timeout"))

	st := m.GetState()
	if st.StepMetadata.Error != "upstream timeout" {
		t.Errorf("step error = %q", st.StepMetadata.Error)
	}
	if st.StepMetadata.NodeName != "fetch_data" {
		t.Errorf("node name = %q", st.StepMetadata.NodeName)
	}

	// Unknown threads are a no-op, not a panic.
	m.MarkStepError("missing", "fetch_data", errors.New("ignored"))
}

func TestLoadCheckpoint_AcceptsBothDelimiters(t *testing.T) {
	fsStore, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	stores := []struct {
		name  string
		store CheckpointStore
	}{
		{"fs", fsStore},
		{"cache", NewCacheStore(cache.NewMemory(), 0)},
	}

	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(WithStore(tc.store))
			m.InitState("q", "t1")

			id, err := m.SaveCheckpoint(context.Background(), "init")
			if err != nil {
				t.Fatalf("SaveCheckpoint: %v", err)
			}
			if id != "t1:0" {
				t.Fatalf("checkpoint id = %q, want t1:0", id)
			}

			for _, lookup := range []string{"t1:0", "t1__0"} {
				st, err := m.LoadCheckpoint(context.Background(), lookup)
				if err != nil {
					t.Fatalf("LoadCheckpoint(%q): %v", lookup, err)
				}
				if st.ThreadID != "t1" {
					t.Errorf("LoadCheckpoint(%q) thread = %q, want t1", lookup, st.ThreadID)
				}
			}
		})
	}
}

func TestConcurrentUpdates(t *testing.T) {
	m := NewManager()
	m.InitState("q", "thread-test")

	const workers = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := m.UpdateState(datatypes.FieldQuery, fmt.Sprintf("update-%d", n)); err != nil {
				t.Errorf("update %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if st := m.GetState(); st.StepMetadata.StepIndex != workers {
		t.Errorf("step after %d concurrent updates = %d", workers, st.StepMetadata.StepIndex)
	}
}

func TestSession_IsolatedFromActiveThread(t *testing.T) {
	m := NewManager()
	m.InitState("query one", "t1")
	sess1 := m.Session("t1")

	// A second session becomes the active thread.
	m.InitState("query two", "t2")

	if _, err := sess1.Update(datatypes.FieldQuery, "t1 updated"); err != nil {
		t.Fatalf("session update: %v", err)
	}

	// The active thread's state is untouched by the session update.
	if st := m.GetState(); st.Query != "query two" || st.StepMetadata.StepIndex != 0 {
		t.Errorf("active state = %q @ %d", st.Query, st.StepMetadata.StepIndex)
	}
	if st := sess1.State(); st.Query != "t1 updated" || st.StepMetadata.StepIndex != 1 {
		t.Errorf("session state = %q @ %d", st.Query, st.StepMetadata.StepIndex)
	}

	threads := m.Threads()
	if len(threads) != 2 || threads[0] != "t1" || threads[1] != "t2" {
		t.Errorf("threads = %v", threads)
	}
}

func TestSession_Checkpoints(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	m.InitState("q", "t1")
	m.InitState("q", "t2")

	sess := m.Session("t1")
	id, err := sess.SaveCheckpoint(ctx, "node")
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if id != "t1:0" {
		t.Errorf("id = %q, want t1:0", id)
	}

	if _, err := sess.Rollback(0); err != nil {
		t.Errorf("session rollback: %v", err)
	}
	if cps := m.ListCheckpoints("t2"); len(cps) != 0 {
		t.Errorf("t2 checkpoints = %v, want none", cps)
	}
}

func TestLoadCheckpoint_NoStorage(t *testing.T) {
	m := NewManager()
	_, err := m.LoadCheckpoint(context.Background(), "t1:0")
	if !errors.Is(err, ErrNoStorage) {
		t.Errorf("err = %v, want ErrNoStorage", err)
	}
}

func mustUpdate(t *testing.T, m *Manager, field string, value any) {
	t.Helper()
	if _, err := m.UpdateState(field, value); err != nil {
		t.Fatalf("UpdateState(%s): %v", field, err)
	}
}
