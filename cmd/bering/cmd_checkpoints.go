// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BeringQuant/BeringFOSS/services/research/state"
)

// checkpointStoreDir resolves the durable checkpoint directory from
// the flag or the loaded configuration.
func checkpointStoreDir() string {
	if checkpointsDir != "" {
		return checkpointsDir
	}
	return cfg.Checkpoints.Dir
}

func runCheckpointsList(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	store, err := state.NewFSStore(checkpointStoreDir())
	if err != nil {
		os.Exit(OutputResult(out, "checkpoints list", start, nil, false, err))
	}

	entries, err := store.List(context.Background(), threadID)
	if err != nil {
		os.Exit(OutputResult(out, "checkpoints list", start, nil, false, err))
	}

	if !out.JSON && !out.Quiet {
		if len(entries) == 0 {
			fmt.Println("No checkpoints found.")
		}
		for _, e := range entries {
			fmt.Printf("%-40s step=%-3d node=%-16s saved=%s\n",
				e.ThreadID, e.StepIndex, e.NodeName, e.SavedAt.Format(time.RFC3339))
		}
	}
	os.Exit(OutputResult(out, "checkpoints list", start,
		map[string]any{"checkpoints": entries, "count": len(entries)}, false, nil))
}

func runCheckpointsShow(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	if threadID == "" {
		os.Exit(OutputResult(out, "checkpoints show", start, nil, false,
			fmt.Errorf("--thread is required")))
	}

	store, err := state.NewFSStore(checkpointStoreDir())
	if err != nil {
		os.Exit(OutputResult(out, "checkpoints show", start, nil, false, err))
	}

	id := state.CheckpointID(threadID, stepIndex)
	st, err := store.Load(context.Background(), id)
	if err != nil {
		os.Exit(OutputResult(out, "checkpoints show", start, nil, false, err))
	}

	if !out.JSON && !out.Quiet {
		if err := OutputJSON(st); err != nil {
			os.Exit(OutputResult(out, "checkpoints show", start, nil, false, err))
		}
	}
	os.Exit(OutputResult(out, "checkpoints show", start, st, false, nil))
}

// runCheckpointsRollback asks the running daemon to restore a thread:
// rollback mutates live session state, so it has to happen in the
// process that owns it.
func runCheckpointsRollback(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	if threadID == "" {
		os.Exit(OutputResult(out, "checkpoints rollback", start, nil, false,
			fmt.Errorf("--thread is required")))
	}

	base := serverURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	url := fmt.Sprintf("%s/v1/research/threads/%s/rollback", base, threadID)

	body, err := json.Marshal(map[string]int{"step_index": stepIndex})
	if err != nil {
		os.Exit(OutputResult(out, "checkpoints rollback", start, nil, false, err))
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		os.Exit(OutputResult(out, "checkpoints rollback", start, nil, false,
			fmt.Errorf("daemon unreachable at %s: %w", base, err)))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		os.Exit(OutputResult(out, "checkpoints rollback", start, nil, false,
			fmt.Errorf("daemon returned %d: %s", resp.StatusCode, string(respBody))))
	}

	var restored map[string]any
	if err := json.Unmarshal(respBody, &restored); err != nil {
		os.Exit(OutputResult(out, "checkpoints rollback", start, nil, false, err))
	}

	if !out.JSON && !out.Quiet {
		fmt.Printf("Thread %s restored to step %d.\n", threadID, stepIndex)
	}
	os.Exit(OutputResult(out, "checkpoints rollback", start, restored, false, nil))
}
