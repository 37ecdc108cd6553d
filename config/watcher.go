// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ScannerToggler is the hot-reload surface: the security chain exposes
// per-scanner enable flags that can be flipped without a restart.
type ScannerToggler interface {
	SetEnabled(name string, enabled bool) bool
}

// Watcher re-reads the config file on change and applies the scanner
// toggles. Only the toggles are applied live; any other edit is logged
// as requiring a restart.
//
// Start should only be called once.
type Watcher struct {
	path    string
	toggler ScannerToggler
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, toggler ScannerToggler, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, toggler: toggler, watcher: fw, logger: logger}, nil
}

// Start watches the config file until the context is cancelled. Blocks;
// run in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	if err := w.watcher.Add(w.path); err != nil {
		w.logger.Warn("failed to watch config file, hot reload disabled",
			"path", w.path,
			"error", err)
		return
	}
	w.logger.Debug("watching config file", "path", w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Editors rename-then-write; treat both as a change.
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	// Re-add after rename: the watch follows the old inode.
	if event.Op&fsnotify.Rename != 0 {
		if err := w.watcher.Add(w.path); err != nil {
			w.logger.Warn("failed to re-watch config after rename", "error", err)
			return
		}
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid config change", "path", w.path, "error", err)
		return
	}

	for _, sc := range cfg.Security.Scanners {
		if w.toggler.SetEnabled(sc.Name, sc.Enabled) {
			w.logger.Info("scanner toggle applied", "scanner", sc.Name, "enabled", sc.Enabled)
		}
	}
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
