// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/parleylabs/parley/datatypes"
)

var retrieverTracer = otel.Tracer("parley.retriever")

const (
	maxRetries       = 3
	baseRetryBackoff = time.Second
)

// HTTPRetriever calls the retrieval engine over HTTP.
type HTTPRetriever struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ Retriever = (*HTTPRetriever)(nil)

// NewHTTPRetriever builds a retriever against the engine at baseURL.
func NewHTTPRetriever(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPRetriever {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRetriever{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type retrieveRequest struct {
	Query          string `json:"query"`
	CollectionName string `json:"collection_name,omitempty"`
	SessionId      string `json:"session_id,omitempty"`
}

type retrieveResponse struct {
	Context string                 `json:"context"`
	Sources []datatypes.SourceInfo `json:"sources"`
}

// Retrieve implements Retriever with retry on 502/503/504.
func (h *HTTPRetriever) Retrieve(ctx context.Context, query, collectionName, sessionId string) (*Result, error) {
	ctx, span := retrieverTracer.Start(ctx, "HTTPRetriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collectionName))

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseRetryBackoff << (attempt - 1)
			h.logger.Warn("retrying retrieval",
				"attempt", attempt+1,
				"backoff", backoff.String(),
				"sessionId", sessionId)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := h.retrieveOnce(ctx, query, collectionName, sessionId)
		if err == nil {
			span.SetAttributes(attribute.Int("sources", len(result.Sources)))
			return result, nil
		}
		lastErr = err

		var re *RetrievalError
		if !errors.As(err, &re) || !re.Retryable {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "retrieval failed")
	return nil, lastErr
}

func (h *HTTPRetriever) retrieveOnce(ctx context.Context, query, collectionName, sessionId string) (*Result, error) {
	body, err := json.Marshal(retrieveRequest{
		Query:          query,
		CollectionName: collectionName,
		SessionId:      sessionId,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &RetrievalError{StatusCode: 0, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RetrievalError{
			StatusCode: resp.StatusCode,
			Message:    string(msg),
			Retryable:  IsRetryableStatusCode(resp.StatusCode),
		}
	}

	var rr retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode retrieve response: %w", err)
	}
	return &Result{Context: rr.Context, Sources: rr.Sources}, nil
}
