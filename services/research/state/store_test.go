// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

func storedState(threadID string, step int, node string) *datatypes.ResearchState {
	return &datatypes.ResearchState{
		ThreadID: threadID,
		Query:    "apple",
		StepMetadata: datatypes.StepMetadata{
			ThreadID:  threadID,
			StepIndex: step,
			NodeName:  node,
		},
	}
}

func TestFSStore_List(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()

	saves := []struct {
		thread string
		step   int
		node   string
	}{
		{"t1", 2, "fetch_data"},
		{"t1", 0, "init"},
		{"t2", 0, "init"},
	}
	for _, s := range saves {
		id := CheckpointID(s.thread, s.step)
		if err := store.Save(ctx, id, storedState(s.thread, s.step, s.node)); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}
	// Ordered by thread then step.
	if all[0].ThreadID != "t1" || all[0].StepIndex != 0 || all[0].NodeName != "init" {
		t.Errorf("first entry = %+v", all[0])
	}
	if all[1].StepIndex != 2 || all[2].ThreadID != "t2" {
		t.Errorf("entries = %+v", all)
	}

	t1, err := store.List(ctx, "t1")
	if err != nil {
		t.Fatalf("List t1: %v", err)
	}
	if len(t1) != 2 {
		t.Errorf("t1 entries = %d, want 2", len(t1))
	}
}

func TestFSStore_ListSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()

	if err := store.Save(ctx, CheckpointID("t1", 0), storedState("t1", 0, "init")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{not json"), 0600); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0600); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	out, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("entries = %+v, want the one valid checkpoint", out)
	}
}
