// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fsnotify events editors emit
// for a single save into one reload.
const reloadDebounce = 250 * time.Millisecond

// Watcher hot-reloads an engine's table when its YAML file changes.
//
// A reload that fails validation keeps the previous table active and
// logs the error, so a half-saved or broken file never degrades a
// running evaluator.
type Watcher struct {
	engine  *Engine
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher loads the table at path into the engine and prepares a
// file watcher for it.
func NewWatcher(engine *Engine, path string, logger *slog.Logger) (*Watcher, error) {
	table, err := LoadTable(path)
	if err != nil {
		return nil, err
	}
	if err := engine.Reload(table); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules: create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by
	// rename, which unsubscribes a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("rules: watch %s: %w", path, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{engine: engine, path: path, watcher: fw, logger: logger}, nil
}

// Start blocks processing file events until ctx is cancelled. Run it in
// a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			table, err := LoadTable(w.path)
			if err != nil {
				w.logger.Error("rules.watcher: reload failed, keeping previous table",
					slog.String("path", w.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := w.engine.Reload(table); err != nil {
				w.logger.Error("rules.watcher: reload rejected, keeping previous table",
					slog.String("path", w.path),
					slog.String("error", err.Error()),
				)
				continue
			}
			w.logger.Info("rules.watcher: rule table reloaded",
				slog.String("path", w.path),
				slog.String("version", table.Version),
				slog.Int("rules", len(table.Rules)),
			)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules.watcher: watch error", slog.String("error", err.Error()))
		}
	}
}
