// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the request, response, and wire types shared
// across the chat pipeline. Request types carry validator tags and are
// validated once at the transport boundary; everything downstream treats
// them as immutable for the duration of a turn.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageBytes bounds the raw user message. Anything larger is
	// rejected before the security chain ever sees it.
	MaxMessageBytes = 32 * 1024

	// RoleUser and friends are the only roles that appear in context
	// message lists sent to a provider.
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// =============================================================================
// Validation
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// maxbytes validates byte length rather than rune count so a message
	// full of multi-byte characters cannot dodge the cap.
	_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		limit := MaxMessageBytes
		if p := fl.Param(); p != "" {
			if _, err := fmt.Sscanf(p, "%d", &limit); err != nil {
				return false
			}
		}
		return len(fl.Field().String()) <= limit
	})
	return v
}

// =============================================================================
// Request Types
// =============================================================================

// ChatRequest is one user turn. Immutable once validated.
//
// SessionId groups turns into a conversation; when absent a fresh one is
// generated so history writes always have a key. ApiKey, when present, is
// forwarded to the analytics sink only, never to a provider.
type ChatRequest struct {
	Message         string `json:"message" validate:"required,maxbytes"`
	SessionId       string `json:"session_id,omitempty" validate:"omitempty,uuid4"`
	UserId          string `json:"user_id,omitempty" validate:"omitempty,max=128"`
	ApiKey          string `json:"api_key,omitempty" validate:"omitempty,max=256"`
	CollectionName  string `json:"collection_name,omitempty" validate:"omitempty,max=128"`
	SystemPromptRef string `json:"system_prompt,omitempty" validate:"omitempty,max=64"`
}

// Validate checks the request against its struct tags.
func (r *ChatRequest) Validate() error {
	return validate.Struct(r)
}

// EnsureDefaults fills in a session id when the client did not supply one.
func (r *ChatRequest) EnsureDefaults() {
	if r.SessionId == "" {
		r.SessionId = uuid.NewString()
	}
}

// =============================================================================
// Response Types
// =============================================================================

// TokenUsage mirrors the provider-reported token accounting for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (t TokenUsage) Total() int {
	return t.InputTokens + t.OutputTokens
}

// ChatResponse is the buffered (non-streaming) turn result. Exactly one of
// Response or Error is set; Blocked is only meaningful alongside Error.
type ChatResponse struct {
	Response         string       `json:"response,omitempty"`
	Error            string       `json:"error,omitempty"`
	Blocked          bool         `json:"blocked,omitempty"`
	SessionId        string       `json:"session_id"`
	Sources          []SourceInfo `json:"sources,omitempty"`
	Tokens           int          `json:"tokens"`
	TokenUsage       TokenUsage   `json:"token_usage"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
}

// SourceInfo is one retrieval citation attached to a response.
type SourceInfo struct {
	Source string  `json:"source"`
	Score  float64 `json:"score,omitempty"`
}

// Message is one entry in a provider context window.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// Conversation Types
// =============================================================================

// ConversationTurn is the durable record of one exchange. A turn is written
// only after both sides passed their security checks; it is never written
// partially.
type ConversationTurn struct {
	SessionId         string            `json:"session_id"`
	UserMessage       string            `json:"user_message"`
	AssistantResponse string            `json:"assistant_response"`
	UserId            string            `json:"user_id,omitempty"`
	ApiKey            string            `json:"api_key,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// SessionSummary describes one stored session for the admin API.
type SessionSummary struct {
	SessionId    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}
