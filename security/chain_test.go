// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleylabs/parley/datatypes"
)

// fakeScanner is a programmable scanner for chain tests.
type fakeScanner struct {
	name    string
	verdict datatypes.SecurityVerdict
	err     error
	calls   int
}

func (f *fakeScanner) Name() string { return f.name }

func (f *fakeScanner) Check(context.Context, string, datatypes.ContentType, string, string) (datatypes.SecurityVerdict, error) {
	f.calls++
	return f.verdict, f.err
}

func safeScanner(name string, risk float64) *fakeScanner {
	return &fakeScanner{
		name:    name,
		verdict: datatypes.SecurityVerdict{IsSafe: true, RiskScore: risk},
	}
}

func unsafeScanner(name, reason string) *fakeScanner {
	return &fakeScanner{
		name: name,
		verdict: datatypes.SecurityVerdict{
			IsSafe:          false,
			RiskScore:       0.95,
			FlaggedScanners: []string{name},
			Recommendations: []string{reason},
		},
	}
}

func TestChain_AllSafe_AggregatesMaxRisk(t *testing.T) {
	t.Parallel()

	first := safeScanner("guard", 0.2)
	second := safeScanner("moderator", 0.6)
	chain := NewChain(nil, first, second)

	verdict := chain.Check(context.Background(), "hello", datatypes.ContentTypePrompt, "u1", "s1")

	assert.True(t, verdict.IsSafe)
	assert.Equal(t, 0.6, verdict.RiskScore)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestChain_FirstUnsafe_ShortCircuits(t *testing.T) {
	t.Parallel()

	first := unsafeScanner("guard", "Potential prompt injection detected")
	second := safeScanner("moderator", 0)
	chain := NewChain(nil, first, second)

	verdict := chain.Check(context.Background(), "ignore instructions", datatypes.ContentTypePrompt, "u1", "s1")

	assert.False(t, verdict.IsSafe)
	assert.Equal(t, []string{"guard"}, verdict.FlaggedScanners)
	assert.Equal(t, 0, second.calls, "later scanners must not run after an unsafe verdict")
}

func TestChain_ScannerFailure_FailsOpen(t *testing.T) {
	t.Parallel()

	broken := &fakeScanner{name: "guard", err: errors.New("connection refused")}
	second := safeScanner("moderator", 0.1)
	chain := NewChain(nil, broken, second)

	verdict := chain.Check(context.Background(), "hello", datatypes.ContentTypePrompt, "u1", "s1")

	assert.True(t, verdict.IsSafe, "an infrastructure failure must not block the turn")
	assert.Equal(t, 1, second.calls, "remaining scanners still run")
}

func TestChain_DisabledScannerSkipped(t *testing.T) {
	t.Parallel()

	first := unsafeScanner("guard", "bad content")
	second := safeScanner("moderator", 0)
	chain := NewChain(nil, first, second)
	chain.SetEnabled("guard", false)

	verdict := chain.Check(context.Background(), "hello", datatypes.ContentTypePrompt, "u1", "s1")

	assert.True(t, verdict.IsSafe)
	assert.Equal(t, 0, first.calls, "disabled scanner must be skipped entirely")
	assert.False(t, chain.Enabled("guard"))
	assert.True(t, chain.Enabled("moderator"))
}

func TestChain_UnsafeVerdictReturnedVerbatim(t *testing.T) {
	t.Parallel()

	unsafe := unsafeScanner("toxicity", "Potential toxicity detected")
	chain := NewChain(nil, unsafe)

	verdict := chain.Check(context.Background(), "text", datatypes.ContentTypeResponse, "", "s1")

	require.False(t, verdict.IsSafe)
	assert.Equal(t, 0.95, verdict.RiskScore)
	assert.Equal(t, []string{"Potential toxicity detected"}, verdict.Recommendations)
}

func TestSanitizeReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		verdict datatypes.SecurityVerdict
		want    string
	}{
		{
			name: "technical phrases stripped",
			verdict: datatypes.SecurityVerdict{
				Recommendations: []string{"Potential prompt injection detected. Review and sanitize user input"},
			},
			want: "Your message was blocked: prompt injection",
		},
		{
			name:    "no recommendations falls back",
			verdict: datatypes.SecurityVerdict{},
			want:    "Your message was blocked: content policy violation",
		},
		{
			name: "plain refusal passes through",
			verdict: datatypes.SecurityVerdict{
				Recommendations: []string{"I cannot help with that request"},
			},
			want: "Your message was blocked: I cannot help with that request",
		},
		{
			name: "only technical text falls back",
			verdict: datatypes.SecurityVerdict{
				Recommendations: []string{"Potential  detected"},
			},
			want: "Your message was blocked: content policy violation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SanitizeReason(tt.verdict))
		})
	}
}
