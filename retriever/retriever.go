// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retriever fetches ranked context snippets from the retrieval
// engine. The engine is a black box behind one HTTP call; this package
// owns the retry policy and the typed error the orchestrator branches on.
package retriever

import (
	"context"
	"fmt"

	"github.com/parleylabs/parley/datatypes"
)

// Result is the retrieval outcome for one query. Context is the inlined
// snippet block; empty Context means no usable information was found.
type Result struct {
	Context string
	Sources []datatypes.SourceInfo
}

// Empty reports whether the retrieval produced no usable context.
func (r *Result) Empty() bool {
	return r == nil || r.Context == ""
}

// Retriever is the document retrieval capability.
type Retriever interface {
	// Retrieve fetches context for the query from the named collection.
	Retrieve(ctx context.Context, query, collectionName, sessionId string) (*Result, error)
}

// =============================================================================
// Errors
// =============================================================================

// RetrievalError is a failed retrieval call. Retryable errors (bad
// gateway, service unavailable, gateway timeout) are retried with
// exponential backoff before surfacing.
type RetrievalError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryableStatusCode reports whether an HTTP status warrants a retry.
func IsRetryableStatusCode(code int) bool {
	switch code {
	case 502, 503, 504:
		return true
	}
	return false
}
