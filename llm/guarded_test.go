// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleylabs/parley/datatypes"
)

// scriptedClient replays a fixed response or event sequence.
type scriptedClient struct {
	response string
	events   []StreamEvent
}

func (s *scriptedClient) Name() string { return "scripted" }

func (s *scriptedClient) Generate(context.Context, GenerateRequest) (*GenerateResult, error) {
	return &GenerateResult{Response: s.response}, nil
}

func (s *scriptedClient) GenerateStream(_ context.Context, _ GenerateRequest, cb StreamCallback) error {
	for _, e := range s.events {
		if err := cb(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *scriptedClient) VerifyConnection(context.Context) bool { return true }

// verdictChecker returns a fixed verdict and records what it saw.
type verdictChecker struct {
	safe       bool
	gotContent string
	gotType    datatypes.ContentType
	checkCalls int
}

func (v *verdictChecker) Check(_ context.Context, content string, contentType datatypes.ContentType, _, _ string) datatypes.SecurityVerdict {
	v.checkCalls++
	v.gotContent = content
	v.gotType = contentType
	if v.safe {
		return datatypes.SafeVerdict(content)
	}
	return datatypes.SecurityVerdict{
		IsSafe:          false,
		Recommendations: []string{"Potential toxicity detected"},
		FlaggedScanners: []string{"toxicity"},
	}
}

func TestGuardedClient_GenerateSafePassesThrough(t *testing.T) {
	t.Parallel()

	checker := &verdictChecker{safe: true}
	client := NewGuardedClient(&scriptedClient{response: "fine answer"}, checker, nil)

	result, err := client.Generate(context.Background(), GenerateRequest{Message: "q", SessionId: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "fine answer", result.Response)
	assert.Equal(t, "fine answer", checker.gotContent)
	assert.Equal(t, datatypes.ContentTypeResponse, checker.gotType)
}

func TestGuardedClient_GenerateUnsafeBlocked(t *testing.T) {
	t.Parallel()

	checker := &verdictChecker{safe: false}
	client := NewGuardedClient(&scriptedClient{response: "bad answer"}, checker, nil)

	result, err := client.Generate(context.Background(), GenerateRequest{Message: "q"})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, IsBlocked(err))
	assert.NotContains(t, err.Error(), "toxicity detected", "raw scanner text must not leak")
}

func TestGuardedClient_StreamChecksAccumulatedOnDone(t *testing.T) {
	t.Parallel()

	inner := &scriptedClient{events: []StreamEvent{
		{Type: StreamEventToken, Content: "Hello "},
		{Type: StreamEventToken, Content: "world"},
		{Type: StreamEventDone},
	}}
	checker := &verdictChecker{safe: true}
	client := NewGuardedClient(inner, checker, nil)

	var got []StreamEventType
	err := client.GenerateStream(context.Background(), GenerateRequest{}, func(event StreamEvent) error {
		got = append(got, event.Type)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []StreamEventType{StreamEventToken, StreamEventToken, StreamEventDone}, got)
	assert.Equal(t, "Hello world", checker.gotContent, "check runs on the full accumulated text")
	assert.Equal(t, 1, checker.checkCalls, "exactly one check per stream")
}

func TestGuardedClient_StreamUnsafeTurnsDoneIntoBlockedError(t *testing.T) {
	t.Parallel()

	inner := &scriptedClient{events: []StreamEvent{
		{Type: StreamEventToken, Content: "something bad"},
		{Type: StreamEventDone},
	}}
	checker := &verdictChecker{safe: false}
	client := NewGuardedClient(inner, checker, nil)

	var terminal StreamEvent
	err := client.GenerateStream(context.Background(), GenerateRequest{}, func(event StreamEvent) error {
		if event.Type != StreamEventToken {
			terminal = event
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, StreamEventError, terminal.Type)
	assert.True(t, IsBlocked(terminal.Err), "terminal error must be a security block")
}

func TestNewGuardedClient_NilCheckerReturnsInner(t *testing.T) {
	t.Parallel()

	inner := &scriptedClient{}
	assert.Same(t, Client(inner), NewGuardedClient(inner, nil, nil))
}
