// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parleylabs/parley/datatypes"
	"github.com/parleylabs/parley/observability"
)

var storeTracer = otel.Tracer("parley.history.weaviate")

const (
	turnClass     = "ConversationTurn"
	archivedClass = "ArchivedTurn"
)

// WeaviateStore is the durable Store backed by a Weaviate instance.
//
// Turns live in the ConversationTurn class; archival moves the oldest
// objects into ArchivedTurn. All mutation for one session happens under
// that session's lock, making archive-then-append atomic per session.
type WeaviateStore struct {
	client          *weaviate.Client
	locks           *sessionLocks
	maxMessages     int
	keepRecent      int
	maxContextTurns int
	logger          *slog.Logger
}

var _ Store = (*WeaviateStore)(nil)

// NewWeaviateStore builds a store and ensures its schema classes exist.
func NewWeaviateStore(client *weaviate.Client, maxMessages, keepRecent, maxContextTurns int, logger *slog.Logger) (*WeaviateStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessages <= 0 {
		maxMessages = 20
	}
	if keepRecent <= 0 || keepRecent >= maxMessages {
		keepRecent = maxMessages / 2
	}
	if maxContextTurns <= 0 {
		maxContextTurns = 25
	}
	s := &WeaviateStore{
		client:          client,
		locks:           newSessionLocks(),
		maxMessages:     maxMessages,
		keepRecent:      keepRecent,
		maxContextTurns: maxContextTurns,
		logger:          logger,
	}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func turnSchema(className string) *models.Class {
	return &models.Class{
		Class:      className,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "session_id", DataType: []string{"text"}},
			{Name: "user_message", DataType: []string{"text"}},
			{Name: "assistant_response", DataType: []string{"text"}},
			{Name: "user_id", DataType: []string{"text"}},
			{Name: "api_key", DataType: []string{"text"}},
			{Name: "moderation_flagged", DataType: []string{"boolean"}},
			{Name: "timestamp", DataType: []string{"int"}},
		},
	}
}

func (s *WeaviateStore) ensureSchema(ctx context.Context) error {
	for _, class := range []*models.Class{turnSchema(turnClass), turnSchema(archivedClass)} {
		_, err := s.client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err == nil {
			continue
		}
		if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", class.Class, err)
		}
		s.logger.Info("created schema class", "class", class.Class)
	}
	return nil
}

// =============================================================================
// Query Plumbing
// =============================================================================

type turnProperties struct {
	SessionId         string `json:"session_id"`
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
	UserId            string `json:"user_id"`
	ApiKey            string `json:"api_key"`
	ModerationFlagged bool   `json:"moderation_flagged"`
	Timestamp         int64  `json:"timestamp"`
}

type turnQueryResponse struct {
	Get struct {
		ConversationTurn []turnProperties `json:"ConversationTurn"`
	} `json:"Get"`
}

func sessionFilter(sessionId string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionId)
}

var turnFields = []graphql.Field{
	{Name: "session_id"},
	{Name: "user_message"},
	{Name: "assistant_response"},
	{Name: "user_id"},
	{Name: "api_key"},
	{Name: "moderation_flagged"},
	{Name: "timestamp"},
}

// queryTurns reads a session's active turns oldest-first. A positive
// limit keeps the newest turns: the query sorts newest-first so the
// limit trims the old end, then the page is put back in chronological
// order in memory.
func (s *WeaviateStore) queryTurns(ctx context.Context, sessionId string, limit int) ([]turnProperties, error) {
	order := graphql.Asc
	if limit > 0 {
		order = graphql.Desc
	}
	query := s.client.GraphQL().Get().
		WithClassName(turnClass).
		WithWhere(sessionFilter(sessionId)).
		WithSort(graphql.Sort{Path: []string{"timestamp"}, Order: order}).
		WithFields(turnFields...)
	if limit > 0 {
		query = query.WithLimit(limit)
	}
	result, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query session turns: %w", err)
	}

	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	var typed turnQueryResponse
	if err := json.Unmarshal(jsonBytes, &typed); err != nil {
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}
	turns := typed.Get.ConversationTurn
	if limit > 0 {
		chronological(turns)
	}
	return turns, nil
}

// chronological reorders a newest-first result page to oldest-first.
func chronological(turns []turnProperties) {
	sort.Slice(turns, func(i, j int) bool {
		return turns[i].Timestamp < turns[j].Timestamp
	})
}

// =============================================================================
// Store Implementation
// =============================================================================

// CheckAndArchiveIfNeeded implements Store.
func (s *WeaviateStore) CheckAndArchiveIfNeeded(ctx context.Context, sessionId string) error {
	lock := s.locks.get(sessionId)
	lock.Lock()
	defer lock.Unlock()
	return s.archiveLocked(ctx, sessionId)
}

func (s *WeaviateStore) archiveLocked(ctx context.Context, sessionId string) error {
	ctx, span := storeTracer.Start(ctx, "WeaviateStore.archive")
	defer span.End()

	turns, err := s.queryTurns(ctx, sessionId, 0)
	if err != nil {
		return err
	}
	if len(turns)*2 < s.maxMessages {
		return nil
	}

	keepTurns := s.keepRecent / 2
	if keepTurns >= len(turns) {
		return nil
	}
	toArchive := turns[:len(turns)-keepTurns]
	cutoff := toArchive[len(toArchive)-1].Timestamp
	span.SetAttributes(attribute.Int("turns_archived", len(toArchive)))

	// Copy the tail into the archive class first, then delete the
	// originals. A failure between the two leaves duplicates in the
	// archive, never a gap in the active log.
	batcher := s.client.Batch().ObjectsBatcher()
	for _, t := range toArchive {
		batcher = batcher.WithObjects(&models.Object{
			Class: archivedClass,
			Properties: map[string]any{
				"session_id":         t.SessionId,
				"user_message":       t.UserMessage,
				"assistant_response": t.AssistantResponse,
				"user_id":            t.UserId,
				"api_key":            t.ApiKey,
				"moderation_flagged": t.ModerationFlagged,
				"timestamp":          t.Timestamp,
			},
		})
	}
	if _, err := batcher.Do(ctx); err != nil {
		return fmt.Errorf("archive turns: %w", err)
	}

	deleteFilter := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		sessionFilter(sessionId),
		filters.Where().
			WithPath([]string{"timestamp"}).
			WithOperator(filters.LessThanEqual).
			WithValueInt(cutoff),
	})
	if _, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(turnClass).
		WithOutput("minimal").
		WithWhere(deleteFilter).
		Do(ctx); err != nil {
		return fmt.Errorf("delete archived turns: %w", err)
	}

	observability.RecordArchival()
	s.logger.Info("archived session turns",
		"sessionId", sessionId,
		"archivedTurns", len(toArchive))
	return nil
}

// GetContextMessages implements Store.
func (s *WeaviateStore) GetContextMessages(ctx context.Context, sessionId string) ([]datatypes.Message, error) {
	turns, err := s.queryTurns(ctx, sessionId, s.maxContextTurns)
	if err != nil {
		return nil, err
	}
	messages := make([]datatypes.Message, 0, len(turns)*2)
	for _, t := range turns {
		if t.UserMessage == "" || t.AssistantResponse == "" {
			continue
		}
		messages = append(messages,
			datatypes.Message{Role: datatypes.RoleUser, Content: t.UserMessage},
			datatypes.Message{Role: datatypes.RoleAssistant, Content: t.AssistantResponse},
		)
	}
	return messages, nil
}

// MessageCount implements Store.
func (s *WeaviateStore) MessageCount(ctx context.Context, sessionId string) (int, error) {
	result, err := s.client.GraphQL().Aggregate().
		WithClassName(turnClass).
		WithWhere(sessionFilter(sessionId)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate session turns: %w", err)
	}

	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal aggregate response: %w", err)
	}
	var typed struct {
		Aggregate struct {
			ConversationTurn []struct {
				Meta struct {
					Count int `json:"count"`
				} `json:"meta"`
			} `json:"ConversationTurn"`
		} `json:"Aggregate"`
	}
	if err := json.Unmarshal(jsonBytes, &typed); err != nil {
		return 0, fmt.Errorf("unmarshal aggregate response: %w", err)
	}
	if len(typed.Aggregate.ConversationTurn) == 0 {
		return 0, nil
	}
	return typed.Aggregate.ConversationTurn[0].Meta.Count * 2, nil
}

// AppendTurn implements Store.
func (s *WeaviateStore) AppendTurn(ctx context.Context, turn datatypes.ConversationTurn) error {
	lock := s.locks.get(turn.SessionId)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := storeTracer.Start(ctx, "WeaviateStore.AppendTurn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", turn.SessionId))

	timestamp := turn.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	flagged := turn.Metadata["moderation_flagged"] == "true"

	_, err := s.client.Data().Creator().
		WithClassName(turnClass).
		WithProperties(map[string]any{
			"session_id":         turn.SessionId,
			"user_message":       turn.UserMessage,
			"assistant_response": turn.AssistantResponse,
			"user_id":            turn.UserId,
			"api_key":            turn.ApiKey,
			"moderation_flagged": flagged,
			"timestamp":          timestamp.UnixMilli(),
		}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// ListSessions implements Store.
func (s *WeaviateStore) ListSessions(ctx context.Context) ([]datatypes.SessionSummary, error) {
	result, err := s.client.GraphQL().Get().
		WithClassName(turnClass).
		WithFields(graphql.Field{Name: "session_id"}, graphql.Field{Name: "timestamp"}).
		WithLimit(10000).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal list response: %w", err)
	}
	var typed turnQueryResponse
	if err := json.Unmarshal(jsonBytes, &typed); err != nil {
		return nil, fmt.Errorf("unmarshal list response: %w", err)
	}

	bySession := make(map[string]*datatypes.SessionSummary)
	for _, t := range typed.Get.ConversationTurn {
		summary, ok := bySession[t.SessionId]
		if !ok {
			summary = &datatypes.SessionSummary{SessionId: t.SessionId}
			bySession[t.SessionId] = summary
		}
		summary.MessageCount += 2
		if ts := time.UnixMilli(t.Timestamp); ts.After(summary.LastActivity) {
			summary.LastActivity = ts
		}
	}

	summaries := make([]datatypes.SessionSummary, 0, len(bySession))
	for _, s := range bySession {
		summaries = append(summaries, *s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries, nil
}

// SessionHistory implements Store.
func (s *WeaviateStore) SessionHistory(ctx context.Context, sessionId string) ([]datatypes.ConversationTurn, error) {
	turns, err := s.queryTurns(ctx, sessionId, 0)
	if err != nil {
		return nil, err
	}
	out := make([]datatypes.ConversationTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, datatypes.ConversationTurn{
			SessionId:         t.SessionId,
			UserMessage:       t.UserMessage,
			AssistantResponse: t.AssistantResponse,
			UserId:            t.UserId,
			ApiKey:            t.ApiKey,
			Timestamp:         time.UnixMilli(t.Timestamp),
		})
	}
	return out, nil
}

// DeleteSession implements Store.
func (s *WeaviateStore) DeleteSession(ctx context.Context, sessionId string) error {
	lock := s.locks.get(sessionId)
	lock.Lock()
	defer lock.Unlock()

	for _, class := range []string{turnClass, archivedClass} {
		_, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(class).
			WithOutput("minimal").
			WithWhere(sessionFilter(sessionId)).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("delete session from %s: %w", class, err)
		}
	}
	s.logger.Info("deleted session", "sessionId", sessionId)
	return nil
}
