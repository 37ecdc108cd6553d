// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/parleylabs/parley/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes stream chunks to an HTTP response in SSE wire format.
//
// # Description
//
// Each chunk is serialized to JSON and written as one "data:" frame,
// flushed immediately. Keepalive comments can be interleaved from another
// goroutine; the writer serializes all writes internally.
//
// # Thread Safety
//
// Safe for concurrent use. The streaming handler writes chunks while a
// heartbeat goroutine writes keepalives.
type SSEWriter interface {
	// WriteChunk serializes and writes one frame, flushing immediately.
	WriteChunk(chunk datatypes.StreamChunk) error

	// WriteKeepAlive writes an SSE comment to keep intermediaries from
	// timing out an idle connection.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

type sseWriter struct {
	mu      sync.Mutex
	writer  http.ResponseWriter
	flusher http.Flusher
}

var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter wraps a ResponseWriter for SSE output. Fails if the writer
// does not support flushing, which streaming requires.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteChunk(chunk datatypes.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline.
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures response headers for SSE streaming. Must be
// called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
