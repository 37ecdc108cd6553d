// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequest_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     ChatRequest
		wantErr bool
	}{
		{
			name: "minimal valid request",
			req:  ChatRequest{Message: "hello"},
		},
		{
			name: "valid with session id",
			req:  ChatRequest{Message: "hello", SessionId: uuid.NewString()},
		},
		{
			name:    "empty message rejected",
			req:     ChatRequest{Message: ""},
			wantErr: true,
		},
		{
			name:    "malformed session id rejected",
			req:     ChatRequest{Message: "hello", SessionId: "not-a-uuid"},
			wantErr: true,
		},
		{
			name:    "oversized message rejected",
			req:     ChatRequest{Message: strings.Repeat("a", MaxMessageBytes+1)},
			wantErr: true,
		},
		{
			name: "message at the byte cap accepted",
			req:  ChatRequest{Message: strings.Repeat("a", MaxMessageBytes)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChatRequest_EnsureDefaults(t *testing.T) {
	t.Parallel()

	req := ChatRequest{Message: "hello"}
	req.EnsureDefaults()
	require.NotEmpty(t, req.SessionId)
	_, err := uuid.Parse(req.SessionId)
	assert.NoError(t, err, "generated session id should be a uuid")

	fixed := ChatRequest{Message: "hello", SessionId: "existing"}
	fixed.EnsureDefaults()
	assert.Equal(t, "existing", fixed.SessionId, "existing session id must be preserved")
}

func TestTokenUsage_Total(t *testing.T) {
	t.Parallel()

	usage := TokenUsage{InputTokens: 12, OutputTokens: 30}
	assert.Equal(t, 42, usage.Total())
	assert.Zero(t, TokenUsage{}.Total())
}

func TestStreamChunk_Builders(t *testing.T) {
	t.Parallel()

	content := NewContentChunk("partial text")
	assert.False(t, content.Terminal())
	assert.Equal(t, "partial text", content.Response)

	done := NewDoneChunk([]SourceInfo{{Source: "doc.md", Score: 0.9}})
	assert.True(t, done.Terminal())
	assert.Empty(t, done.Error)
	require.Len(t, done.Sources, 1)

	blocked := NewErrorChunk("request blocked", true)
	assert.True(t, blocked.Terminal())
	assert.True(t, blocked.Blocked)
	assert.Equal(t, "request blocked", blocked.Error)

	plain := NewErrorChunk("generation failed", false)
	assert.True(t, plain.Terminal())
	assert.False(t, plain.Blocked)
}

func TestSafeVerdict(t *testing.T) {
	t.Parallel()

	v := SafeVerdict("original text")
	assert.True(t, v.IsSafe)
	assert.Equal(t, "original text", v.SanitizedContent)
	assert.Empty(t, v.FlaggedScanners)
	assert.Zero(t, v.RiskScore)
}
