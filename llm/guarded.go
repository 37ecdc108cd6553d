// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"log/slog"

	"github.com/parleylabs/parley/datatypes"
	"github.com/parleylabs/parley/security"
)

// ResponseChecker scans model output. security.Chain satisfies this.
type ResponseChecker interface {
	Check(ctx context.Context, content string, contentType datatypes.ContentType, userId, sessionId string) datatypes.SecurityVerdict
}

// GuardedClient wraps a raw adapter with the response-side security
// check. Downstream code can then trust that any response a Client
// returned has already been scanned.
//
// For buffered calls the whole response is checked before it is returned.
// For streaming calls tokens are forwarded as they arrive (trust then
// verify) and the accumulated text is checked when the provider signals
// done; an unsafe accumulation turns the done event into a blocked error
// event, so the stream terminates with the block instead of a clean done.
type GuardedClient struct {
	inner   Client
	checker ResponseChecker
	logger  *slog.Logger
}

var _ Client = (*GuardedClient)(nil)

// NewGuardedClient wraps inner. A nil checker disables response checking
// and returns inner unchanged.
func NewGuardedClient(inner Client, checker ResponseChecker, logger *slog.Logger) Client {
	if checker == nil {
		return inner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedClient{inner: inner, checker: checker, logger: logger}
}

// Name implements Client.
func (g *GuardedClient) Name() string { return g.inner.Name() }

// Generate implements Client.
func (g *GuardedClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	result, err := g.inner.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	verdict := g.checker.Check(ctx, result.Response, datatypes.ContentTypeResponse, req.UserId, req.SessionId)
	if !verdict.IsSafe {
		g.logger.Warn("response blocked by security check",
			"provider", g.inner.Name(),
			"sessionId", req.SessionId,
			"flaggedScanners", verdict.FlaggedScanners)
		return nil, &BlockedError{Reason: security.SanitizeReason(verdict)}
	}
	return result, nil
}

// GenerateStream implements Client.
func (g *GuardedClient) GenerateStream(ctx context.Context, req GenerateRequest, cb StreamCallback) error {
	var accumulated []byte
	return g.inner.GenerateStream(ctx, req, func(event StreamEvent) error {
		switch event.Type {
		case StreamEventToken:
			accumulated = append(accumulated, event.Content...)
			return cb(event)
		case StreamEventDone:
			verdict := g.checker.Check(ctx, string(accumulated), datatypes.ContentTypeResponse, req.UserId, req.SessionId)
			if !verdict.IsSafe {
				g.logger.Warn("streamed response blocked by security check",
					"provider", g.inner.Name(),
					"sessionId", req.SessionId,
					"flaggedScanners", verdict.FlaggedScanners)
				return cb(StreamEvent{
					Type: StreamEventError,
					Err:  &BlockedError{Reason: security.SanitizeReason(verdict)},
				})
			}
			return cb(event)
		default:
			return cb(event)
		}
	})
}

// VerifyConnection implements Client.
func (g *GuardedClient) VerifyConnection(ctx context.Context) bool {
	return g.inner.VerifyConnection(ctx)
}
