// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleylabs/parley/chat"
	"github.com/parleylabs/parley/datatypes"
	"github.com/parleylabs/parley/observability"
)

// heartbeatInterval is the keepalive cadence. 15s stays well under the
// typical 60s load-balancer idle timeout.
const heartbeatInterval = 15 * time.Second

// StreamingChatHandler serves the SSE chat endpoint.
//
// # Description
//
// Handles POST /v1/chat/stream. Pre-stream failures (parse, validation)
// return JSON errors; once SSE headers go out, every outcome — including
// security blocks — is delivered as a terminal frame on the stream.
//
// # Outputs
//
// SSE frames, one JSON object per "data:" line:
//
//	data: {"response":"tok","done":false}
//	data: {"sources":[...],"done":true}
//	data: {"error":"...","done":true,"blocked":true}
//
// # Assumptions
//
//   - Client supports SSE and tears down on the first done frame.
type StreamingChatHandler interface {
	HandleChatStream(c *gin.Context)
}

type streamingChatHandler struct {
	service *chat.Service
	tracer  trace.Tracer
}

var _ StreamingChatHandler = (*streamingChatHandler)(nil)

// NewStreamingChatHandler creates the SSE chat handler. Panics on a nil
// service, which is a wiring error.
func NewStreamingChatHandler(service *chat.Service) StreamingChatHandler {
	if service == nil {
		panic("NewStreamingChatHandler: service must not be nil")
	}
	return &streamingChatHandler{
		service: service,
		tracer:  otel.Tracer("parley.handlers.chat_streaming"),
	}
}

func (h *streamingChatHandler) HandleChatStream(c *gin.Context) {
	start := time.Now()
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		observability.RecordRequest("chat_stream", "400", time.Since(start))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		observability.RecordRequest("chat_stream", "400", time.Since(start))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}
	span.SetAttributes(attribute.String("request.session_id", req.SessionId))

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		observability.RecordRequest("chat_stream", "500", time.Since(start))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Heartbeat keeps the connection alive through slow retrieval and
	// long generation pauses. Stopped before the terminal frame.
	heartbeatDone := make(chan struct{})
	go runHeartbeat(ctx, writer, heartbeatDone)

	streamErr := h.service.ProcessStream(ctx, &req, writer.WriteChunk)
	close(heartbeatDone)

	if streamErr != nil {
		// An emit failure means the client is gone; there is nobody left
		// to send an error frame to.
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "stream aborted")
		observability.RecordRequest("chat_stream", "disconnect", time.Since(start))
		return
	}
	span.SetStatus(codes.Ok, "stream completed")
	observability.RecordRequest("chat_stream", "200", time.Since(start))
}

// runHeartbeat writes SSE keepalive comments until done closes or the
// request context is cancelled.
func runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
		}
	}
}
