// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history persists per-session conversation logs with a
// capacity/archival policy. The store is the synchronization point for a
// session: archival checks and appends run inside a per-session critical
// section, so two concurrent turns on the same session can never
// double-archive or mis-sequence history. The orchestrator holds no
// session locks of its own.
package history

import (
	"context"
	"sync"

	"github.com/parleylabs/parley/datatypes"
)

// Store is the durable conversation log.
type Store interface {
	// CheckAndArchiveIfNeeded enforces the session's message cap,
	// archiving the oldest turns when the cap is reached. Called before
	// context retrieval so a session never observes its about-to-be-
	// archived tail twice.
	CheckAndArchiveIfNeeded(ctx context.Context, sessionId string) error

	// GetContextMessages returns the session's active window as ordered
	// role/content messages, oldest first.
	GetContextMessages(ctx context.Context, sessionId string) ([]datatypes.Message, error)

	// MessageCount returns the current stored message count for the
	// session (each turn contributes two messages). Used for the
	// conversation-limit warning.
	MessageCount(ctx context.Context, sessionId string) (int, error)

	// AppendTurn persists one complete exchange.
	AppendTurn(ctx context.Context, turn datatypes.ConversationTurn) error

	// ListSessions enumerates stored sessions for the admin API.
	ListSessions(ctx context.Context) ([]datatypes.SessionSummary, error)

	// SessionHistory returns every active turn of one session, oldest
	// first.
	SessionHistory(ctx context.Context, sessionId string) ([]datatypes.ConversationTurn, error)

	// DeleteSession removes a session's turns, archived turns included.
	DeleteSession(ctx context.Context, sessionId string) error
}

// =============================================================================
// Session Locking
// =============================================================================

// sessionLocks hands out one mutex per session id. Lock granularity is the
// session, so unrelated sessions never contend.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (s *sessionLocks) get(sessionId string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[sessionId]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[sessionId] = l
	return l
}
