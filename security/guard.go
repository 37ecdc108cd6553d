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

var guardTracer = otel.Tracer("parley.security.guard")

// GuardScanner calls an external content-safety service (an LLM Guard
// deployment) over HTTP. It is the first scanner in the chain.
type GuardScanner struct {
	baseURL string
	client  *http.Client
}

var _ Scanner = (*GuardScanner)(nil)

// NewGuardScanner builds a scanner against the given service base URL.
func NewGuardScanner(baseURL string, timeout time.Duration) *GuardScanner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GuardScanner{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name implements Scanner.
func (g *GuardScanner) Name() string { return "guard" }

type guardRequest struct {
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"`
	UserId      string            `json:"user_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type guardResponse struct {
	IsSafe           bool     `json:"is_safe"`
	RiskScore        float64  `json:"risk_score"`
	FlaggedScanners  []string `json:"flagged_scanners"`
	Recommendations  []string `json:"recommendations"`
	SanitizedContent string   `json:"sanitized_content"`
}

// Check implements Scanner by POSTing the content to the guard service.
func (g *GuardScanner) Check(ctx context.Context, content string, contentType datatypes.ContentType, userId, sessionId string) (datatypes.SecurityVerdict, error) {
	ctx, span := guardTracer.Start(ctx, "GuardScanner.Check")
	defer span.End()
	span.SetAttributes(
		attribute.String("content_type", string(contentType)),
		attribute.Int("content_bytes", len(content)),
	)

	reqBody, err := json.Marshal(guardRequest{
		Content:     content,
		ContentType: string(contentType),
		UserId:      userId,
		Metadata:    map[string]string{"session_id": sessionId},
	})
	if err != nil {
		return datatypes.SecurityVerdict{}, fmt.Errorf("marshal guard request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/check", bytes.NewReader(reqBody))
	if err != nil {
		return datatypes.SecurityVerdict{}, fmt.Errorf("build guard request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "guard call failed")
		return datatypes.SecurityVerdict{}, fmt.Errorf("guard service call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("guard service returned %d: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, "guard non-200")
		return datatypes.SecurityVerdict{}, err
	}

	var gr guardResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return datatypes.SecurityVerdict{}, fmt.Errorf("decode guard response: %w", err)
	}

	verdict := datatypes.SecurityVerdict{
		IsSafe:           gr.IsSafe,
		RiskScore:        gr.RiskScore,
		FlaggedScanners:  gr.FlaggedScanners,
		Recommendations:  gr.Recommendations,
		SanitizedContent: gr.SanitizedContent,
	}
	if verdict.SanitizedContent == "" {
		verdict.SanitizedContent = content
	}
	span.SetAttributes(attribute.Bool("is_safe", verdict.IsSafe))
	return verdict, nil
}
