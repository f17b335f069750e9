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

	"github.com/BeringQuant/BeringFOSS/services/research/rules"
)

// RulesValidateResult holds rule table validation output.
type RulesValidateResult struct {
	File    string `json:"file"`
	Version string `json:"version"`
	Rules   int    `json:"rules"`
	Valid   bool   `json:"valid"`
}

func runRulesValidate(cmd *cobra.Command, args []string) {
	start := time.Now()
	out := outputConfig()

	table, err := rules.LoadTable(args[0])
	if err != nil {
		os.Exit(OutputResult(out, "rules validate", start, nil, false, err))
	}

	result := RulesValidateResult{
		File:    args[0],
		Version: table.Version,
		Rules:   len(table.Rules),
		Valid:   true,
	}

	if !out.JSON && !out.Quiet {
		fmt.Printf("OK: %s (version %s, %d rules)\n", args[0], table.Version, len(table.Rules))
	}
	os.Exit(OutputResult(out, "rules validate", start, result, false, nil))
}
