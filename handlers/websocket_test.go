// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleylabs/parley/chat"
	"github.com/parleylabs/parley/datatypes"
)

func dialChatSocket(t *testing.T, svc *chat.Service) *websocket.Conn {
	t.Helper()

	router := gin.New()
	router.GET("/v1/chat/ws", NewWebSocketHandler(svc, nil).HandleChatSocket)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readTurn collects chunks until a terminal frame.
func readTurn(t *testing.T, conn *websocket.Conn) []datatypes.StreamChunk {
	t.Helper()
	var chunks []datatypes.StreamChunk
	for {
		var chunk datatypes.StreamChunk
		require.NoError(t, conn.ReadJSON(&chunk))
		chunks = append(chunks, chunk)
		if chunk.Done {
			return chunks
		}
	}
}

func TestHandleChatSocket_RoundTrip(t *testing.T) {
	svc := newStubService(t, safeVerdict(), stubClient{events: streamEvents("hel", "lo")})
	conn := dialChatSocket(t, svc)

	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{Message: "hi"}))
	chunks := readTurn(t, conn)

	require.Len(t, chunks, 3)
	assert.Equal(t, "hel", chunks[0].Response)
	assert.Equal(t, "lo", chunks[1].Response)
	assert.True(t, chunks[2].Done)
	assert.Len(t, chunks[2].Sources, 1)

	// The connection stays open for the next turn.
	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{Message: "again"}))
	chunks = readTurn(t, conn)
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].Done)
}

func TestHandleChatSocket_InvalidRequestKeepsConnection(t *testing.T) {
	svc := newStubService(t, safeVerdict(), stubClient{events: streamEvents("ok")})
	conn := dialChatSocket(t, svc)

	// Empty message fails validation: one error frame, socket survives.
	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{}))
	var chunk datatypes.StreamChunk
	require.NoError(t, conn.ReadJSON(&chunk))
	assert.NotEmpty(t, chunk.Error)

	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{Message: "hi"}))
	chunks := readTurn(t, conn)
	assert.True(t, chunks[len(chunks)-1].Done)
}

func TestHandleChatSocket_BlockedPromptIsTerminalFrame(t *testing.T) {
	checker := stubChecker{verdict: datatypes.SecurityVerdict{
		IsSafe:          false,
		Recommendations: []string{"Potential jailbreak detected"},
	}}
	svc := newStubService(t, checker, stubClient{})
	conn := dialChatSocket(t, svc)

	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{Message: "bad"}))
	chunks := readTurn(t, conn)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Blocked)
	assert.NotEmpty(t, chunks[0].Error)
}
