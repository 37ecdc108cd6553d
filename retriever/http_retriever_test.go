// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retriever

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleylabs/parley/datatypes"
)

func TestHTTPRetriever_Success(t *testing.T) {
	t.Parallel()

	var gotReq retrieveRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/retrieve", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(retrieveResponse{
			Context: "relevant snippet",
			Sources: []datatypes.SourceInfo{{Source: "doc.md", Score: 0.87}},
		})
	}))
	defer server.Close()

	r := NewHTTPRetriever(server.URL, 5*time.Second, nil)
	result, err := r.Retrieve(context.Background(), "what is X", "docs", "s1")

	require.NoError(t, err)
	assert.Equal(t, "relevant snippet", result.Context)
	require.Len(t, result.Sources, 1)
	assert.False(t, result.Empty())
	assert.Equal(t, "what is X", gotReq.Query)
	assert.Equal(t, "docs", gotReq.CollectionName)
}

func TestHTTPRetriever_EmptyContext(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(retrieveResponse{})
	}))
	defer server.Close()

	r := NewHTTPRetriever(server.URL, 5*time.Second, nil)
	result, err := r.Retrieve(context.Background(), "unknown topic", "docs", "s1")

	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestHTTPRetriever_RetriesOnBadGateway(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(retrieveResponse{Context: "late but fine"})
	}))
	defer server.Close()

	r := NewHTTPRetriever(server.URL, 5*time.Second, nil)
	result, err := r.Retrieve(context.Background(), "q", "docs", "s1")

	require.NoError(t, err)
	assert.Equal(t, "late but fine", result.Context)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPRetriever_NoRetryOnClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown collection", http.StatusNotFound)
	}))
	defer server.Close()

	r := NewHTTPRetriever(server.URL, 5*time.Second, nil)
	_, err := r.Retrieve(context.Background(), "q", "missing", "s1")

	require.Error(t, err)
	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.StatusCode)
	assert.False(t, re.Retryable)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestHTTPRetriever_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r := NewHTTPRetriever(server.URL, 5*time.Second, nil)
	_, err := r.Retrieve(context.Background(), "q", "docs", "s1")

	require.Error(t, err)
	assert.Equal(t, int32(maxRetries), calls.Load())
}

func TestIsRetryableStatusCode(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryableStatusCode(502))
	assert.True(t, IsRetryableStatusCode(503))
	assert.True(t, IsRetryableStatusCode(504))
	assert.False(t, IsRetryableStatusCode(500))
	assert.False(t, IsRetryableStatusCode(404))
	assert.False(t, IsRetryableStatusCode(200))
}
