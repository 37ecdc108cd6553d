// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers translates the chat pipeline onto HTTP. The pipeline
// owns all turn semantics; handlers only parse, validate, and serialize.
package handlers

import (
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

// ChatHandler serves the buffered chat endpoint.
//
// # Description
//
// Handles POST /v1/chat. The request is validated at this boundary; the
// pipeline never sees a malformed request. Turn outcomes map onto HTTP
// status as follows:
//
//   - 200: completed turn (including the no-context canned answer)
//   - 400: malformed or invalid request body
//   - 403: blocked by a security scanner (request or response side)
//   - 500: retrieval or generation failure
//
// # Thread Safety
//
// Safe for concurrent use; all fields are read-only after construction.
type ChatHandler interface {
	HandleChat(c *gin.Context)
}

type chatHandler struct {
	service *chat.Service
	tracer  trace.Tracer
}

var _ ChatHandler = (*chatHandler)(nil)

// NewChatHandler creates the buffered chat handler. Panics on a nil
// service, which is a wiring error.
func NewChatHandler(service *chat.Service) ChatHandler {
	if service == nil {
		panic("NewChatHandler: service must not be nil")
	}
	return &chatHandler{
		service: service,
		tracer:  otel.Tracer("parley.handlers.chat"),
	}
}

func (h *chatHandler) HandleChat(c *gin.Context) {
	start := time.Now()
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		observability.RecordRequest("chat", "400", time.Since(start))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		observability.RecordRequest("chat", "400", time.Since(start))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}
	span.SetAttributes(attribute.String("request.session_id", req.SessionId))

	resp := h.service.Process(ctx, &req)

	status := http.StatusOK
	switch {
	case resp.Blocked:
		status = http.StatusForbidden
		span.SetStatus(codes.Error, "turn blocked")
	case resp.Error != "":
		status = http.StatusInternalServerError
		span.SetStatus(codes.Error, "turn failed")
	default:
		span.SetStatus(codes.Ok, "turn completed")
	}
	observability.RecordRequest("chat", httpStatusLabel(status), time.Since(start))
	c.JSON(status, resp)
}

func httpStatusLabel(status int) string {
	switch status {
	case http.StatusOK:
		return "200"
	case http.StatusBadRequest:
		return "400"
	case http.StatusForbidden:
		return "403"
	case http.StatusInternalServerError:
		return "500"
	default:
		return "other"
	}
}
