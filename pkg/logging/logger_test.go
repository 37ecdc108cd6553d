// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestNew_FileLogging(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "test",
		Quiet:   true,
		JSON:    true,
	})
	logger.Info("hello", "key", "value")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "test_")

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "value")
}

func TestNew_BadLogDirDegrades(t *testing.T) {
	t.Parallel()

	// A file path used as a directory cannot be created.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o640))

	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Quiet: true})
	logger.Info("still works")
	assert.NoError(t, logger.Close())
}

// recordingExporter captures exported entries for assertions.
type recordingExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	flushed bool
	closed  bool
}

func (r *recordingExporter) Export(_ context.Context, entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingExporter) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = true
	return nil
}

func (r *recordingExporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingExporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func TestLogger_Exporter(t *testing.T) {
	t.Parallel()

	exp := &recordingExporter{}
	logger := New(Config{Quiet: true, Service: "chat", Exporter: exp})
	logger.Info("exported message", "sessionId", "abc")

	// Export happens on a goroutine; give it a moment.
	require.Eventually(t, func() bool { return exp.count() == 1 }, time.Second, 10*time.Millisecond)

	exp.mu.Lock()
	entry := exp.entries[0]
	exp.mu.Unlock()
	assert.Equal(t, "exported message", entry.Message)
	assert.Equal(t, "chat", entry.Service)
	assert.Equal(t, "abc", entry.Attrs["sessionId"])

	require.NoError(t, logger.Close())
	assert.True(t, exp.flushed)
	assert.True(t, exp.closed)
}

func TestLogger_CloseTwice(t *testing.T) {
	t.Parallel()

	logger := New(Config{Quiet: true})
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

func TestMaskAPIKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", MaskAPIKey(""))
	assert.Equal(t, "***", MaskAPIKey("short"))
	assert.Equal(t, "***", MaskAPIKey("12345678"))
	assert.Equal(t, "sk-a****", MaskAPIKey("sk-abcdef123456"))
}
