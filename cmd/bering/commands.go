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

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath     string
	jsonOutput     bool
	quietOutput    bool
	asOfDate       string
	threadID       string
	snapshotsDir   string
	checkpointsDir string
	stepIndex      int
	serverURL      string
	gcsBucket      string
	gcsPrefix      string
	gcsSAKey       string

	rootCmd = &cobra.Command{
		Use:   "bering",
		Short: "A cli for the Bering stock research pipeline",
		Long: `bering runs versioned, auditable stock research: staged analyses
with checkpoints, content-addressed snapshots, and threshold rules.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := loadConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
				os.Exit(CLIExitError)
			}
		},
	}

	// --- Analyze ---
	analyzeCmd = &cobra.Command{
		Use:   "analyze [query]",
		Short: "Run a full research analysis for a ticker or company name",
		Args:  cobra.ExactArgs(1),
		Run:   runAnalyze, // Defined in cmd_analyze.go
	}

	// --- Checkpoints ---
	checkpointsCmd = &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and manage durable checkpoints",
	}
	checkpointsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List checkpoints in the durable store",
		Run:   runCheckpointsList, // Defined in cmd_checkpoints.go
	}
	checkpointsShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Show the full state recorded at one checkpoint",
		Run:   runCheckpointsShow, // Defined in cmd_checkpoints.go
	}
	checkpointsRollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Roll a live thread back to a checkpointed step (via the daemon)",
		Run:   runCheckpointsRollback, // Defined in cmd_checkpoints.go
	}

	// --- Snapshots ---
	snapshotCmd = &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect content-addressed analysis snapshots",
	}
	snapshotShowCmd = &cobra.Command{
		Use:   "show [analysis-id]",
		Short: "Print a stored snapshot",
		Args:  cobra.ExactArgs(1),
		Run:   runSnapshotShow, // Defined in cmd_snapshot.go
	}
	snapshotVerifyCmd = &cobra.Command{
		Use:   "verify [analysis-id]",
		Short: "Recompute a snapshot's canonical hash and compare it to its ID",
		Args:  cobra.ExactArgs(1),
		Run:   runSnapshotVerify, // Defined in cmd_snapshot.go
	}

	// --- Rules ---
	rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "Work with threshold rule tables",
	}
	rulesValidateCmd = &cobra.Command{
		Use:   "validate [rules.yaml]",
		Short: "Check a rule table for well-formedness and supported operators",
		Args:  cobra.ExactArgs(1),
		Run:   runRulesValidate, // Defined in cmd_rules.go
	}

	// --- Backup ---
	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Upload the snapshot archive to Google Cloud Storage",
		Run:   runBackup, // Defined in cmd_backup.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to bering.yaml (default: ./bering.yaml or BERING_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Machine-readable JSON output")
	rootCmd.PersistentFlags().BoolVarP(&quietOutput, "quiet", "q", false, "No output, exit code only")

	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVar(&asOfDate, "as-of", "", "Analysis date (YYYY-MM-DD, default: today)")
	analyzeCmd.Flags().StringVar(&threadID, "thread", "", "Session thread ID (default: generated)")
	analyzeCmd.Flags().StringVar(&snapshotsDir, "snapshots-dir", "", "Override the snapshot output directory")

	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
	checkpointsCmd.AddCommand(checkpointsRollbackCmd)
	checkpointsCmd.PersistentFlags().StringVar(&threadID, "thread", "", "Thread ID to operate on")
	checkpointsCmd.PersistentFlags().StringVar(&checkpointsDir, "dir", "", "Override the checkpoint directory")
	checkpointsShowCmd.Flags().IntVar(&stepIndex, "step", 0, "Checkpointed step index")
	checkpointsRollbackCmd.Flags().IntVar(&stepIndex, "step", 0, "Checkpointed step index to restore")
	checkpointsRollbackCmd.Flags().StringVar(&serverURL, "server", "", "Daemon base URL (default: http://localhost:{port} from config)")

	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotVerifyCmd)
	snapshotCmd.PersistentFlags().StringVar(&snapshotsDir, "dir", "", "Override the snapshot directory")

	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)

	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringVar(&gcsBucket, "bucket", "", "GCS bucket name (required)")
	backupCmd.Flags().StringVar(&gcsPrefix, "prefix", "snapshots", "Object prefix inside the bucket")
	backupCmd.Flags().StringVar(&gcsSAKey, "sa-key", "", "Path to the service account key file (required)")
	backupCmd.Flags().StringVar(&snapshotsDir, "dir", "", "Override the snapshot directory")
}
