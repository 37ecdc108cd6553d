// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"sort"
	"sync"

	"github.com/parleylabs/parley/datatypes"
	"github.com/parleylabs/parley/observability"
)

// MemoryStore is the in-process Store used in lightweight mode (no
// Weaviate reachable) and in tests. Archival moves turns to a separate
// archive slice so counts and context windows behave exactly like the
// durable store.
type MemoryStore struct {
	mu          sync.Mutex
	turns       map[string][]datatypes.ConversationTurn
	archived    map[string][]datatypes.ConversationTurn
	maxMessages int
	keepRecent  int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds a store enforcing maxMessages per session and
// keeping keepRecent messages after archival.
func NewMemoryStore(maxMessages, keepRecent int) *MemoryStore {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	if keepRecent <= 0 || keepRecent >= maxMessages {
		keepRecent = maxMessages / 2
	}
	return &MemoryStore{
		turns:       make(map[string][]datatypes.ConversationTurn),
		archived:    make(map[string][]datatypes.ConversationTurn),
		maxMessages: maxMessages,
		keepRecent:  keepRecent,
	}
}

// CheckAndArchiveIfNeeded implements Store.
func (m *MemoryStore) CheckAndArchiveIfNeeded(_ context.Context, sessionId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.turns[sessionId]
	if len(active)*2 < m.maxMessages {
		return nil
	}

	keepTurns := m.keepRecent / 2
	if keepTurns >= len(active) {
		return nil
	}
	cut := len(active) - keepTurns
	m.archived[sessionId] = append(m.archived[sessionId], active[:cut]...)
	m.turns[sessionId] = append([]datatypes.ConversationTurn(nil), active[cut:]...)
	observability.RecordArchival()
	return nil
}

// GetContextMessages implements Store.
func (m *MemoryStore) GetContextMessages(_ context.Context, sessionId string) ([]datatypes.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.turns[sessionId]
	messages := make([]datatypes.Message, 0, len(active)*2)
	for _, turn := range active {
		messages = append(messages,
			datatypes.Message{Role: datatypes.RoleUser, Content: turn.UserMessage},
			datatypes.Message{Role: datatypes.RoleAssistant, Content: turn.AssistantResponse},
		)
	}
	return messages, nil
}

// MessageCount implements Store.
func (m *MemoryStore) MessageCount(_ context.Context, sessionId string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns[sessionId]) * 2, nil
}

// AppendTurn implements Store.
func (m *MemoryStore) AppendTurn(_ context.Context, turn datatypes.ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[turn.SessionId] = append(m.turns[turn.SessionId], turn)
	return nil
}

// ListSessions implements Store.
func (m *MemoryStore) ListSessions(context.Context) ([]datatypes.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summaries := make([]datatypes.SessionSummary, 0, len(m.turns))
	for sessionId, turns := range m.turns {
		s := datatypes.SessionSummary{
			SessionId:    sessionId,
			MessageCount: len(turns) * 2,
		}
		if len(turns) > 0 {
			s.LastActivity = turns[len(turns)-1].Timestamp
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SessionId < summaries[j].SessionId
	})
	return summaries, nil
}

// SessionHistory implements Store.
func (m *MemoryStore) SessionHistory(_ context.Context, sessionId string) ([]datatypes.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]datatypes.ConversationTurn(nil), m.turns[sessionId]...), nil
}

// DeleteSession implements Store.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionId)
	delete(m.archived, sessionId)
	return nil
}

// ArchivedCount reports archived turns for one session. Test helper.
func (m *MemoryStore) ArchivedCount(sessionId string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.archived[sessionId])
}
