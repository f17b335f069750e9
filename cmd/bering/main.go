// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// bering is the research CLI: run analyses, inspect checkpoints and
// snapshots, validate rule tables, and back up snapshot archives.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BeringQuant/BeringFOSS/pkg/logging"
	"github.com/BeringQuant/BeringFOSS/services/research/config"
)

// cfg is the loaded configuration, populated in PersistentPreRun
// before any command body runs.
var cfg config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(CLIExitError)
	}
}

// loadConfig resolves the config file (flag, env, or defaults) and
// installs the process logger. A missing explicit file is fatal; no
// file at all just means defaults.
func loadConfig() error {
	path := configPath
	if path == "" {
		path = os.Getenv("BERING_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("bering.yaml"); err == nil {
			path = "bering.yaml"
		}
	}

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg = loaded

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Service: "cli",
		JSON:    cfg.Logging.JSON,
	})
	slog.SetDefault(logger.Slog())
	return nil
}
