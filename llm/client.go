// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm defines the provider adapter contract and its
// implementations. Providers form a closed set selected once at startup;
// the orchestrator only ever sees the Client interface.
//
// Response-side security is a provider concern: production wiring wraps
// the raw adapter in a GuardedClient, so anything a Client returns is
// already checked. The orchestrator does not re-scan adapter output.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/parleylabs/parley/datatypes"
)

// =============================================================================
// Generation Contract
// =============================================================================

// GenerationParams are optional sampling controls. Nil pointers mean
// "use the provider default".
type GenerationParams struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
	Stop        []string
}

// GenerateRequest is one provider call. Context carries prior turns plus
// any synthetic language-override exchange; SystemPrompt is the fully
// resolved prompt text (language suffix already applied).
type GenerateRequest struct {
	Message      string
	SystemPrompt string
	Context      []datatypes.Message
	UserId       string
	SessionId    string
	Params       GenerationParams
}

// GenerateResult is the buffered outcome of one provider call.
type GenerateResult struct {
	Response       string
	TokenUsage     datatypes.TokenUsage
	ProcessingTime time.Duration
}

// =============================================================================
// Streaming Contract
// =============================================================================

// StreamEventType discriminates stream callback events.
type StreamEventType string

const (
	// StreamEventToken carries one chunk of response text.
	StreamEventToken StreamEventType = "token"

	// StreamEventDone terminates a successful stream. Usage may carry
	// provider-reported token counts when the backend supplies them.
	StreamEventDone StreamEventType = "done"

	// StreamEventError terminates a failed stream. Err is always set.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event in a provider stream. The sequence is finite,
// single-pass, and always ends with exactly one done or error event.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Usage   datatypes.TokenUsage
	Err     error
}

// StreamCallback receives stream events in order. Returning a non-nil
// error aborts the stream; the adapter stops reading and returns that
// error from GenerateStream.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Client Interface
// =============================================================================

// Client is the uniform provider adapter contract.
type Client interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Generate performs one buffered completion.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// GenerateStream performs one streaming completion, delivering events
	// to cb. The event sequence always terminates with one done or error
	// event unless cb aborts first.
	GenerateStream(ctx context.Context, req GenerateRequest, cb StreamCallback) error

	// VerifyConnection is a health probe, not part of the turn path.
	VerifyConnection(ctx context.Context) bool
}

// =============================================================================
// Errors
// =============================================================================

// BlockedError reports that a provider-level security check rejected the
// response. Reason is already sanitized for the client.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return e.Reason
}

// IsBlocked reports whether err is (or wraps) a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// ModerationError reports that the provider's own moderation layer cut a
// stream short with a refusal message. Unlike a security block, the
// refusal is a legitimate assistant-side outcome and is kept in history
// as a moderation-flagged entry.
type ModerationError struct {
	Message string
}

func (e *ModerationError) Error() string {
	return e.Message
}

// IsModeration reports whether err is (or wraps) a ModerationError.
func IsModeration(err error) bool {
	var me *ModerationError
	return errors.As(err, &me)
}
