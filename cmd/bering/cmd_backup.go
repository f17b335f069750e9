// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BeringQuant/BeringFOSS/cmd/bering/gcs"
)

// BackupResult holds the outcome of a snapshot archive upload.
type BackupResult struct {
	Bucket   string `json:"bucket"`
	Prefix   string `json:"prefix"`
	Dir      string `json:"dir"`
	Uploaded int    `json:"uploaded"`
}

func runBackup(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()
	ctx := context.Background()

	if gcsBucket == "" {
		os.Exit(OutputResult(out, "backup", start, nil, false,
			fmt.Errorf("--bucket is required")))
	}
	if gcsSAKey == "" {
		os.Exit(OutputResult(out, "backup", start, nil, false,
			fmt.Errorf("--sa-key is required")))
	}

	dir := snapshotStoreDir()
	if _, err := os.Stat(dir); err != nil {
		os.Exit(OutputResult(out, "backup", start, nil, false,
			fmt.Errorf("snapshot directory %s: %w", dir, err)))
	}

	client, err := gcs.NewClient(ctx, gcsBucket, gcsSAKey)
	if err != nil {
		os.Exit(OutputResult(out, "backup", start, nil, false, err))
	}
	defer client.Close()

	uploaded, err := client.UploadDir(ctx, dir, gcsPrefix)
	if err != nil {
		os.Exit(OutputResult(out, "backup", start, nil, false, err))
	}

	result := BackupResult{
		Bucket:   gcsBucket,
		Prefix:   gcsPrefix,
		Dir:      dir,
		Uploaded: uploaded,
	}

	if !out.JSON && !out.Quiet {
		fmt.Printf("Uploaded %d snapshot file(s) to gs://%s/%s\n", uploaded, gcsBucket, gcsPrefix)
	}
	os.Exit(OutputResult(out, "backup", start, result, false, nil))
}
