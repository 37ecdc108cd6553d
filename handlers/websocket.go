// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/parleylabs/parley/chat"
	"github.com/parleylabs/parley/datatypes"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The API sits behind the gateway, which enforces origin policy.
		return true
	},
}

// WebSocketHandler serves GET /v1/chat/ws.
//
// The connection carries one JSON ChatRequest per client message and the
// same chunk objects the SSE endpoint uses, one JSON message per chunk.
// Multiple turns can run sequentially on one connection; chunks for a
// turn end with a terminal done frame.
type WebSocketHandler interface {
	HandleChatSocket(c *gin.Context)
}

type webSocketHandler struct {
	service *chat.Service
	logger  *slog.Logger
}

var _ WebSocketHandler = (*webSocketHandler)(nil)

// NewWebSocketHandler creates the WebSocket chat handler.
func NewWebSocketHandler(service *chat.Service, logger *slog.Logger) WebSocketHandler {
	if service == nil {
		panic("NewWebSocketHandler: service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &webSocketHandler{service: service, logger: logger}
}

func (h *webSocketHandler) HandleChatSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	for {
		var req datatypes.ChatRequest
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if err := req.Validate(); err != nil {
			if werr := h.writeChunk(ws, datatypes.NewErrorChunk("invalid request: validation failed", false)); werr != nil {
				return
			}
			continue
		}

		emit := func(chunk datatypes.StreamChunk) error {
			return h.writeChunk(ws, chunk)
		}
		if err := h.service.ProcessStream(c.Request.Context(), &req, emit); err != nil {
			// Emit failed: the socket is gone.
			return
		}
	}
}

func (h *webSocketHandler) writeChunk(ws *websocket.Conn, chunk datatypes.StreamChunk) error {
	if err := ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(chunk)
}
