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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleylabs/parley/history"
)

// SessionHandler serves the session admin endpoints.
//
//   - GET    /v1/sessions              list stored sessions
//   - GET    /v1/sessions/:id/history  full active history of one session
//   - DELETE /v1/sessions/:id          remove a session, archive included
type SessionHandler interface {
	HandleListSessions(c *gin.Context)
	HandleSessionHistory(c *gin.Context)
	HandleDeleteSession(c *gin.Context)
}

type sessionHandler struct {
	store  history.Store
	logger *slog.Logger
	tracer trace.Tracer
}

var _ SessionHandler = (*sessionHandler)(nil)

// NewSessionHandler creates the session admin handler.
func NewSessionHandler(store history.Store, logger *slog.Logger) SessionHandler {
	if store == nil {
		panic("NewSessionHandler: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionHandler{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("parley.handlers.sessions"),
	}
}

func (h *sessionHandler) HandleListSessions(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleListSessions")
	defer span.End()

	sessions, err := h.store.ListSessions(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		h.logger.Error("failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	span.SetAttributes(attribute.Int("sessions.count", len(sessions)))
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *sessionHandler) HandleSessionHistory(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleSessionHistory")
	defer span.End()

	sessionID := c.Param("id")
	if uuid.Validate(sessionID) != nil {
		span.SetStatus(codes.Error, "invalid session id")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	turns, err := h.store.SessionHistory(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history read failed")
		h.logger.Error("failed to read session history", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "turns": turns})
}

func (h *sessionHandler) HandleDeleteSession(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleDeleteSession")
	defer span.End()

	sessionID := c.Param("id")
	if uuid.Validate(sessionID) != nil {
		span.SetStatus(codes.Error, "invalid session id")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	if err := h.store.DeleteSession(ctx, sessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		h.logger.Error("failed to delete session", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}
	h.logger.Info("session deleted", "session_id", sessionID)
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "deleted": true})
}
