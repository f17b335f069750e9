// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BeringQuant/BeringFOSS/services/research/snapshot"
)

// snapshotStoreDir resolves the snapshot directory from the flag or
// the loaded configuration.
func snapshotStoreDir() string {
	if snapshotsDir != "" {
		return snapshotsDir
	}
	return cfg.Snapshots.Dir
}

func runSnapshotShow(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	snap, err := snapshot.Read(snapshotStoreDir(), args[0])
	if err != nil {
		os.Exit(OutputResult(out, "snapshot show", start, nil, false, err))
	}

	if !out.JSON && !out.Quiet {
		if err := OutputJSON(snap); err != nil {
			os.Exit(OutputResult(out, "snapshot show", start, nil, false, err))
		}
	}
	os.Exit(OutputResult(out, "snapshot show", start, snap, false, nil))
}

// SnapshotVerifyResult holds snapshot verification output.
type SnapshotVerifyResult struct {
	AnalysisID string `json:"analysis_id"`
	Recomputed string `json:"recomputed"`
	Valid      bool   `json:"valid"`
}

// runSnapshotVerify recomputes the canonical content hash from the
// stored snapshot body and compares it against the stored ID. A
// mismatch means the file was altered after it was written.
func runSnapshotVerify(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	snap, err := snapshot.Read(snapshotStoreDir(), args[0])
	if err != nil {
		os.Exit(OutputResult(out, "snapshot verify", start, nil, false, err))
	}

	recomputed, err := snapshot.Recompute(snap)
	if err != nil {
		os.Exit(OutputResult(out, "snapshot verify", start, nil, false, err))
	}

	result := SnapshotVerifyResult{
		AnalysisID: snap.AnalysisID,
		Recomputed: recomputed,
		Valid:      recomputed == snap.AnalysisID,
	}

	if !out.JSON && !out.Quiet {
		if result.Valid {
			fmt.Printf("OK: %s\n", snap.AnalysisID)
		} else {
			fmt.Printf("MISMATCH: stored %s, recomputed %s\n", snap.AnalysisID, recomputed)
		}
	}
	os.Exit(OutputResult(out, "snapshot verify", start, result, !result.Valid, nil))
}
