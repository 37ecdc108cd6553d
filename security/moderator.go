// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/parleylabs/parley/datatypes"
)

var moderatorTracer = otel.Tracer("parley.security.moderator")

// ModeratorScanner calls a policy moderation service. The moderator's wire
// shape is simpler than the guard's: a boolean plus an optional refusal
// message. The scanner lifts that into a SecurityVerdict so the chain
// handles both uniformly.
type ModeratorScanner struct {
	baseURL string
	client  *http.Client
}

var _ Scanner = (*ModeratorScanner)(nil)

// NewModeratorScanner builds a scanner against the given service base URL.
func NewModeratorScanner(baseURL string, timeout time.Duration) *ModeratorScanner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ModeratorScanner{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Scanner.
func (m *ModeratorScanner) Name() string { return "moderator" }

type moderatorRequest struct {
	Content string `json:"content"`
}

type moderatorResponse struct {
	IsSafe         bool   `json:"is_safe"`
	RefusalMessage string `json:"refusal_message,omitempty"`
}

// Check implements Scanner.
func (m *ModeratorScanner) Check(ctx context.Context, content string, contentType datatypes.ContentType, userId, sessionId string) (datatypes.SecurityVerdict, error) {
	ctx, span := moderatorTracer.Start(ctx, "ModeratorScanner.Check")
	defer span.End()
	span.SetAttributes(attribute.String("content_type", string(contentType)))

	reqBody, err := json.Marshal(moderatorRequest{Content: content})
	if err != nil {
		return datatypes.SecurityVerdict{}, fmt.Errorf("marshal moderator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/moderate", bytes.NewReader(reqBody))
	if err != nil {
		return datatypes.SecurityVerdict{}, fmt.Errorf("build moderator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "moderator call failed")
		return datatypes.SecurityVerdict{}, fmt.Errorf("moderator service call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("moderator service returned %d: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, "moderator non-200")
		return datatypes.SecurityVerdict{}, err
	}

	var mr moderatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return datatypes.SecurityVerdict{}, fmt.Errorf("decode moderator response: %w", err)
	}

	if mr.IsSafe {
		return datatypes.SafeVerdict(content), nil
	}
	refusal := mr.RefusalMessage
	if refusal == "" {
		refusal = "content policy violation"
	}
	return datatypes.SecurityVerdict{
		IsSafe:          false,
		RiskScore:       1.0,
		FlaggedScanners: []string{m.Name()},
		Recommendations: []string{refusal},
	}, nil
}
