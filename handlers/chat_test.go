// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleylabs/parley/chat"
	"github.com/parleylabs/parley/datatypes"
	"github.com/parleylabs/parley/history"
	"github.com/parleylabs/parley/llm"
	"github.com/parleylabs/parley/retriever"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Stubs
// =============================================================================

type stubChecker struct {
	verdict datatypes.SecurityVerdict
}

func (s stubChecker) Check(context.Context, string, datatypes.ContentType, string, string) datatypes.SecurityVerdict {
	return s.verdict
}

type stubRetriever struct {
	result retriever.Result
}

func (s stubRetriever) Retrieve(context.Context, string, string, string) (*retriever.Result, error) {
	r := s.result
	return &r, nil
}

type stubClient struct {
	response string
	events   []llm.StreamEvent
	healthy  bool
}

func (s stubClient) Name() string { return "stub" }

func (s stubClient) Generate(context.Context, llm.GenerateRequest) (*llm.GenerateResult, error) {
	return &llm.GenerateResult{
		Response:   s.response,
		TokenUsage: datatypes.TokenUsage{InputTokens: 5, OutputTokens: 5},
	}, nil
}

func (s stubClient) GenerateStream(_ context.Context, _ llm.GenerateRequest, cb llm.StreamCallback) error {
	for _, ev := range s.events {
		if err := cb(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s stubClient) VerifyConnection(context.Context) bool { return s.healthy }

func newStubService(t *testing.T, checker chat.SecurityChecker, client llm.Client) *chat.Service {
	t.Helper()
	return chat.NewService(
		checker,
		history.NewMemoryStore(20, 10),
		stubRetriever{result: retriever.Result{
			Context: "stub context",
			Sources: []datatypes.SourceInfo{{Source: "doc.md", Score: 0.9}},
		}},
		client,
		nil, nil, nil,
		slog.New(slog.DiscardHandler),
		chat.Config{MaxMessages: 20, HistoryEnabled: true, PersistTimeout: time.Second},
	)
}

func safeVerdict() stubChecker {
	return stubChecker{verdict: datatypes.SafeVerdict("")}
}

// =============================================================================
// Buffered Endpoint
// =============================================================================

func TestHandleChat_Success(t *testing.T) {
	svc := newStubService(t, safeVerdict(), stubClient{response: "the answer"})
	router := gin.New()
	router.POST("/v1/chat", NewChatHandler(svc).HandleChat)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "the answer", resp.Response)
	assert.NotEmpty(t, resp.SessionId)
	assert.Equal(t, 10, resp.Tokens)
}

func TestHandleChat_InvalidBody(t *testing.T) {
	svc := newStubService(t, safeVerdict(), stubClient{response: "x"})
	router := gin.New()
	router.POST("/v1/chat", NewChatHandler(svc).HandleChat)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{not json`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChat_MissingMessage(t *testing.T) {
	svc := newStubService(t, safeVerdict(), stubClient{response: "x"})
	router := gin.New()
	router.POST("/v1/chat", NewChatHandler(svc).HandleChat)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"session_id":"not-a-uuid"}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChat_Blocked(t *testing.T) {
	checker := stubChecker{verdict: datatypes.SecurityVerdict{
		IsSafe:          false,
		Recommendations: []string{"Potential prompt injection detected"},
	}}
	svc := newStubService(t, checker, stubClient{response: "x"})
	router := gin.New()
	router.POST("/v1/chat", NewChatHandler(svc).HandleChat)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"bad"}`))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Blocked)
	assert.NotEmpty(t, resp.Error)
}

// =============================================================================
// Streaming Endpoint
// =============================================================================

func streamEvents(tokens ...string) []llm.StreamEvent {
	events := make([]llm.StreamEvent, 0, len(tokens)+1)
	for _, tok := range tokens {
		events = append(events, llm.StreamEvent{Type: llm.StreamEventToken, Content: tok})
	}
	return append(events, llm.StreamEvent{Type: llm.StreamEventDone})
}

func parseSSE(t *testing.T, body string) []datatypes.StreamChunk {
	t.Helper()
	var chunks []datatypes.StreamChunk
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk datatypes.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestHandleChatStream_Success(t *testing.T) {
	svc := newStubService(t, safeVerdict(), stubClient{events: streamEvents("hel", "lo")})
	router := gin.New()
	router.POST("/v1/chat/stream", NewStreamingChatHandler(svc).HandleChatStream)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(`{"message":"hi"}`))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	chunks := parseSSE(t, rec.Body.String())
	require.Len(t, chunks, 3)
	assert.Equal(t, "hel", chunks[0].Response)
	assert.Equal(t, "lo", chunks[1].Response)
	assert.True(t, chunks[2].Done)
	assert.Len(t, chunks[2].Sources, 1)
}

func TestHandleChatStream_BlockedIsTerminalFrame(t *testing.T) {
	checker := stubChecker{verdict: datatypes.SecurityVerdict{
		IsSafe:          false,
		Recommendations: []string{"Potential jailbreak detected"},
	}}
	svc := newStubService(t, checker, stubClient{})
	router := gin.New()
	router.POST("/v1/chat/stream", NewStreamingChatHandler(svc).HandleChatStream)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(`{"message":"bad"}`))
	router.ServeHTTP(rec, req)

	// The block arrives on the stream, not as an HTTP status.
	require.Equal(t, http.StatusOK, rec.Code)
	chunks := parseSSE(t, rec.Body.String())
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)
	assert.True(t, chunks[0].Blocked)
	assert.NotEmpty(t, chunks[0].Error)
}

func TestHandleChatStream_InvalidBody(t *testing.T) {
	svc := newStubService(t, safeVerdict(), stubClient{})
	router := gin.New()
	router.POST("/v1/chat/stream", NewStreamingChatHandler(svc).HandleChatStream)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(`oops`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// Sessions and Health
// =============================================================================

func TestHandleSessions_RoundTrip(t *testing.T) {
	store := history.NewMemoryStore(20, 10)
	sessionID := "1b4e28ba-2fa1-41d2-883f-0016d3cca427"
	require.NoError(t, store.AppendTurn(context.Background(), datatypes.ConversationTurn{
		SessionId:         sessionID,
		UserMessage:       "q",
		AssistantResponse: "a",
		Timestamp:         time.Now(),
	}))

	h := NewSessionHandler(store, slog.New(slog.DiscardHandler))
	router := gin.New()
	router.GET("/v1/sessions", h.HandleListSessions)
	router.GET("/v1/sessions/:id/history", h.HandleSessionHistory)
	router.DELETE("/v1/sessions/:id", h.HandleDeleteSession)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), sessionID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sessionID+"/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"q"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/"+sessionID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	assert.NotContains(t, rec.Body.String(), sessionID)
}

func TestHandleSessions_InvalidID(t *testing.T) {
	h := NewSessionHandler(history.NewMemoryStore(20, 10), slog.New(slog.DiscardHandler))
	router := gin.New()
	router.DELETE("/v1/sessions/:id", h.HandleDeleteSession)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sessions/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	h := NewHealthHandler(stubClient{healthy: true}, history.NewMemoryStore(20, 10))
	router := gin.New()
	router.GET("/health", h.HandleHealth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["provider"])
	assert.Equal(t, "ok", body["history"])
}

func TestHandleHealth_DegradedProvider(t *testing.T) {
	h := NewHealthHandler(stubClient{healthy: false}, history.NewMemoryStore(20, 10))
	router := gin.New()
	router.GET("/health", h.HandleHealth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unreachable", body["provider"])
}
