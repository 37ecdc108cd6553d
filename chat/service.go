// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chat orchestrates one conversation turn end to end: security
// screening, history archival, context retrieval, language adaptation,
// prompt assembly, provider inference, and persistence. The package owns
// the turn lifecycle; transports (REST, SSE, WebSocket) only translate
// its results onto the wire.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/parleylabs/parley/analytics"
	"github.com/parleylabs/parley/datatypes"
	"github.com/parleylabs/parley/history"
	"github.com/parleylabs/parley/language"
	"github.com/parleylabs/parley/llm"
	"github.com/parleylabs/parley/observability"
	"github.com/parleylabs/parley/pkg/logging"
	"github.com/parleylabs/parley/prompts"
	"github.com/parleylabs/parley/retriever"
	"github.com/parleylabs/parley/security"
)

var chatTracer = otel.Tracer("parley.chat")

// noContextMessage is returned when retrieval finds nothing usable. The
// turn still completes normally: the canned answer is stored and counts
// toward the session limit, but no provider call is made.
const noContextMessage = "I'm sorry, but I don't have any specific information about that topic in my knowledge base."

// defaultPersistTimeout bounds the detached write that saves a finished
// streaming turn after the client connection is already settled.
const defaultPersistTimeout = 30 * time.Second

// defaultGenerateTimeout is the ceiling on a single provider call,
// streaming included. A stream that outlives it is cut with a generic
// error chunk and the partial turn is discarded.
const defaultGenerateTimeout = 5 * time.Minute

// SecurityChecker screens content before it reaches a provider. Satisfied
// by *security.Chain.
type SecurityChecker interface {
	Check(ctx context.Context, content string, contentType datatypes.ContentType, userId, sessionId string) datatypes.SecurityVerdict
}

// Config carries the turn-level policy knobs.
type Config struct {
	// MaxMessages is the per-session cap that drives archival and the
	// approaching-limit warning. Zero disables the warning.
	MaxMessages int

	// WarningTemplate overrides DefaultWarningTemplate when non-empty.
	WarningTemplate string

	// HistoryEnabled gates all store reads and writes. When false every
	// turn is stateless.
	HistoryEnabled bool

	// PersistTimeout bounds post-stream history writes.
	PersistTimeout time.Duration

	// GenerateTimeout bounds one provider call, buffered or streaming.
	GenerateTimeout time.Duration

	// Params is forwarded to the provider on every call.
	Params llm.GenerationParams
}

// Service runs the chat pipeline. All dependencies are injected; any of
// enhancer and sink may be nil.
type Service struct {
	checker   SecurityChecker
	store     history.Store
	retriever retriever.Retriever
	client    llm.Client
	enhancer  *language.Enhancer
	prompts   *prompts.Registry
	sink      analytics.Sink
	logger    *slog.Logger
	cfg       Config
}

// NewService wires the pipeline.
func NewService(
	checker SecurityChecker,
	store history.Store,
	ret retriever.Retriever,
	client llm.Client,
	enhancer *language.Enhancer,
	registry *prompts.Registry,
	sink analytics.Sink,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = prompts.NewRegistry()
	}
	if sink == nil {
		sink = analytics.NopSink{}
	}
	if cfg.WarningTemplate == "" {
		cfg.WarningTemplate = DefaultWarningTemplate
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	return &Service{
		checker:   checker,
		store:     store,
		retriever: ret,
		client:    client,
		enhancer:  enhancer,
		prompts:   registry,
		sink:      sink,
		logger:    logger,
		cfg:       cfg,
	}
}

// turnContext is the per-turn state gathered before inference.
type turnContext struct {
	history      []datatypes.Message
	messageCount int
	countKnown   bool
}

// prepareHistory runs archival and loads the session window. Store
// failures degrade the turn to stateless rather than failing it: a chat
// backend that refuses to answer because its history store hiccuped is
// worse than one that briefly forgets.
func (s *Service) prepareHistory(ctx context.Context, sessionId string) turnContext {
	tc := turnContext{}
	if !s.cfg.HistoryEnabled || s.store == nil {
		return tc
	}

	if err := s.store.CheckAndArchiveIfNeeded(ctx, sessionId); err != nil {
		s.logger.Warn("archival check failed, continuing", "session_id", sessionId, "error", err)
	}
	msgs, err := s.store.GetContextMessages(ctx, sessionId)
	if err != nil {
		s.logger.Warn("history read failed, continuing without context", "session_id", sessionId, "error", err)
	} else {
		tc.history = msgs
	}
	count, err := s.store.MessageCount(ctx, sessionId)
	if err != nil {
		s.logger.Warn("message count failed, skipping limit warning", "session_id", sessionId, "error", err)
	} else {
		tc.messageCount = count
		tc.countKnown = true
	}
	return tc
}

// warning returns the approaching-limit suffix for this turn, or "".
func (s *Service) warning(tc turnContext) string {
	if !tc.countKnown || s.cfg.MaxMessages <= 0 {
		return ""
	}
	return limitWarning(tc.messageCount, s.cfg.MaxMessages, s.cfg.WarningTemplate)
}

// persistTurn writes one finished exchange. Best effort: a failed write
// is logged, never surfaced to the client, because by the time we persist
// the response has already been (or is being) delivered.
func (s *Service) persistTurn(ctx context.Context, turn datatypes.ConversationTurn) {
	if !s.cfg.HistoryEnabled || s.store == nil {
		return
	}
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		s.logger.Error("failed to persist turn", "session_id", turn.SessionId, "error", err)
	}
}

// newTurn builds the durable record for one finished exchange. The API
// key is masked before it ever reaches a store: the stored turn links a
// session to a credential for audit without persisting the secret.
func newTurn(req *datatypes.ChatRequest, response string) datatypes.ConversationTurn {
	return datatypes.ConversationTurn{
		SessionId:         req.SessionId,
		UserMessage:       req.Message,
		AssistantResponse: response,
		UserId:            req.UserId,
		ApiKey:            logging.MaskAPIKey(req.ApiKey),
		Timestamp:         time.Now().UTC(),
	}
}

func (s *Service) recordAnalytics(ctx context.Context, req *datatypes.ChatRequest, responseChars int, usage datatypes.TokenUsage, blocked bool, duration time.Duration) {
	s.sink.Record(ctx, analytics.Event{
		SessionId:     req.SessionId,
		UserId:        req.UserId,
		ApiKey:        req.ApiKey,
		Provider:      s.client.Name(),
		MessageChars:  len(req.Message),
		ResponseChars: responseChars,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		Blocked:       blocked,
		DurationMs:    duration.Milliseconds(),
	})
}

// =============================================================================
// Buffered Turn
// =============================================================================

// Process runs one buffered turn. It always returns a response: pipeline
// failures surface through the Error field, never as a Go error, so the
// transport layer has exactly one shape to serialize.
func (s *Service) Process(ctx context.Context, req *datatypes.ChatRequest) *datatypes.ChatResponse {
	ctx, span := chatTracer.Start(ctx, "Service.Process")
	defer span.End()

	req.EnsureDefaults()
	span.SetAttributes(attribute.String("session_id", req.SessionId))
	start := time.Now()

	verdict := s.checker.Check(ctx, req.Message, datatypes.ContentTypePrompt, req.UserId, req.SessionId)
	if !verdict.IsSafe {
		span.SetStatus(codes.Error, "prompt blocked")
		s.recordAnalytics(ctx, req, 0, datatypes.TokenUsage{}, true, time.Since(start))
		return &datatypes.ChatResponse{
			Error:     security.SanitizeReason(verdict),
			Blocked:   true,
			SessionId: req.SessionId,
		}
	}

	tc := s.prepareHistory(ctx, req.SessionId)

	result, err := s.retriever.Retrieve(ctx, req.Message, req.CollectionName, req.SessionId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		s.logger.Error("context retrieval failed", "session_id", req.SessionId, "error", err)
		return &datatypes.ChatResponse{
			Error:     genericFailureMessage,
			SessionId: req.SessionId,
		}
	}

	if result.Empty() {
		// No provider call: the canned answer completes the turn with
		// zero token and latency cost, but it still lands in history.
		text := noContextMessage + s.warning(tc)
		s.persistTurn(ctx, newTurn(req, text))
		s.recordAnalytics(ctx, req, len(text), datatypes.TokenUsage{}, false, time.Since(start))
		return &datatypes.ChatResponse{
			Response:  text,
			SessionId: req.SessionId,
		}
	}

	var enh *language.Enhancement
	if s.enhancer != nil {
		enh = s.enhancer.Enhance(req.Message, req.SystemPromptRef)
	}
	asm := assemble(req.Message, result.Context, tc.history, s.prompts.Get(req.SystemPromptRef), enh)

	genCtx, genCancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	defer genCancel()
	res, err := s.client.Generate(genCtx, llm.GenerateRequest{
		Message:      asm.Message,
		SystemPrompt: asm.SystemPrompt,
		Context:      asm.Context,
		UserId:       req.UserId,
		SessionId:    req.SessionId,
		Params:       s.cfg.Params,
	})
	if err != nil {
		span.RecordError(err)
		if llm.IsBlocked(err) {
			span.SetStatus(codes.Error, "response blocked")
			s.recordAnalytics(ctx, req, 0, datatypes.TokenUsage{}, true, time.Since(start))
			return &datatypes.ChatResponse{
				Error:     err.Error(),
				Blocked:   true,
				SessionId: req.SessionId,
			}
		}
		span.SetStatus(codes.Error, "generation failed")
		s.logger.Error("generation failed", "session_id", req.SessionId, "provider", s.client.Name(), "error", err)
		return &datatypes.ChatResponse{
			Error:     genericFailureMessage,
			SessionId: req.SessionId,
		}
	}

	// The same suffix goes into storage and onto the wire, so the next
	// turn's context window matches what the user actually read.
	text := res.Response + s.warning(tc)

	s.persistTurn(ctx, newTurn(req, text))

	duration := time.Since(start)
	observability.RecordTokens(s.client.Name(), res.TokenUsage.InputTokens, res.TokenUsage.OutputTokens)
	s.recordAnalytics(ctx, req, len(text), res.TokenUsage, false, duration)

	return &datatypes.ChatResponse{
		Response:         text,
		SessionId:        req.SessionId,
		Sources:          result.Sources,
		Tokens:           res.TokenUsage.Total(),
		TokenUsage:       res.TokenUsage,
		ProcessingTimeMs: duration.Milliseconds(),
	}
}

// =============================================================================
// Streaming Turn
// =============================================================================

// errClientGone marks an emit failure so the post-stream bookkeeping can
// tell a vanished client apart from a provider fault.
var errClientGone = errors.New("chat: client disconnected")

// ProcessStream runs one streaming turn, calling emit once per outbound
// chunk. An emit error means the client is gone: the stream aborts and
// the partial turn is discarded, never persisted. A nil return means the
// turn reached a terminal chunk (done or error).
func (s *Service) ProcessStream(ctx context.Context, req *datatypes.ChatRequest, emit func(datatypes.StreamChunk) error) error {
	ctx, span := chatTracer.Start(ctx, "Service.ProcessStream")
	defer span.End()

	req.EnsureDefaults()
	span.SetAttributes(attribute.String("session_id", req.SessionId))
	start := time.Now()

	observability.StreamOpened()
	defer observability.StreamClosed()

	verdict := s.checker.Check(ctx, req.Message, datatypes.ContentTypePrompt, req.UserId, req.SessionId)
	if !verdict.IsSafe {
		span.SetStatus(codes.Error, "prompt blocked")
		s.recordAnalytics(ctx, req, 0, datatypes.TokenUsage{}, true, time.Since(start))
		return emit(datatypes.NewErrorChunk(security.SanitizeReason(verdict), true))
	}

	tc := s.prepareHistory(ctx, req.SessionId)

	result, err := s.retriever.Retrieve(ctx, req.Message, req.CollectionName, req.SessionId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		s.logger.Error("context retrieval failed", "session_id", req.SessionId, "error", err)
		return emit(datatypes.NewErrorChunk(genericFailureMessage, false))
	}

	if result.Empty() {
		text := noContextMessage + s.warning(tc)
		if err := emit(datatypes.NewContentChunk(text)); err != nil {
			observability.RecordClientDisconnect()
			return err
		}
		if err := emit(datatypes.NewDoneChunk(nil)); err != nil {
			observability.RecordClientDisconnect()
			return err
		}
		s.persistDetached(ctx, newTurn(req, text))
		s.recordAnalytics(ctx, req, len(text), datatypes.TokenUsage{}, false, time.Since(start))
		return nil
	}

	var enh *language.Enhancement
	if s.enhancer != nil {
		enh = s.enhancer.Enhance(req.Message, req.SystemPromptRef)
	}
	asm := assemble(req.Message, result.Context, tc.history, s.prompts.Get(req.SystemPromptRef), enh)

	acc := newAccumulator()
	defer acc.Destroy()

	var (
		usage     datatypes.TokenUsage
		streamErr error
		sawDone   bool
		sawFirst  bool
	)

	genCtx, genCancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	defer genCancel()
	genErr := s.client.GenerateStream(genCtx, llm.GenerateRequest{
		Message:      asm.Message,
		SystemPrompt: asm.SystemPrompt,
		Context:      asm.Context,
		UserId:       req.UserId,
		SessionId:    req.SessionId,
		Params:       s.cfg.Params,
	}, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventToken:
			token := cleanChunk(ev.Content)
			if token == "" {
				return nil
			}
			if !sawFirst {
				sawFirst = true
				observability.RecordTimeToFirstToken(s.client.Name(), time.Since(start))
			}
			if err := acc.Write(token); err != nil {
				return err
			}
			if err := emit(datatypes.NewContentChunk(token)); err != nil {
				return errClientGone
			}
			return nil
		case llm.StreamEventDone:
			sawDone = true
			usage = ev.Usage
			return nil
		case llm.StreamEventError:
			streamErr = ev.Err
			return nil
		default:
			return nil
		}
	})

	if genErr != nil {
		if errors.Is(genErr, errClientGone) {
			// Partial turns are never persisted: history only ever holds
			// exchanges the user fully received.
			observability.RecordClientDisconnect()
			span.SetStatus(codes.Error, "client disconnected")
			return genErr
		}
		span.RecordError(genErr)
		span.SetStatus(codes.Error, "stream failed")
		s.logger.Error("stream failed", "session_id", req.SessionId, "provider", s.client.Name(), "error", genErr)
		return emit(datatypes.NewErrorChunk(genericFailureMessage, false))
	}

	if streamErr != nil {
		span.RecordError(streamErr)
		switch {
		case llm.IsBlocked(streamErr):
			span.SetStatus(codes.Error, "response blocked")
			s.recordAnalytics(ctx, req, 0, datatypes.TokenUsage{}, true, time.Since(start))
			return emit(datatypes.NewErrorChunk(streamErr.Error(), true))
		case llm.IsModeration(streamErr):
			// A provider refusal is a legitimate assistant-side outcome:
			// the turn is kept, flagged, so the session record shows the
			// provider cut it short.
			span.SetStatus(codes.Error, "provider moderation")
			if err := emit(datatypes.NewErrorChunk(streamErr.Error(), false)); err != nil {
				observability.RecordClientDisconnect()
				return errClientGone
			}
			turn := newTurn(req, moderationPrefix+streamErr.Error())
			turn.Metadata = map[string]string{"moderation_flagged": "true"}
			s.persistDetached(ctx, turn)
			s.recordAnalytics(ctx, req, 0, datatypes.TokenUsage{}, false, time.Since(start))
			return nil
		default:
			span.SetStatus(codes.Error, "provider stream error")
			s.logger.Error("provider stream error", "session_id", req.SessionId, "provider", s.client.Name(), "error", streamErr)
			return emit(datatypes.NewErrorChunk(genericFailureMessage, false))
		}
	}

	if !sawDone {
		span.SetStatus(codes.Error, "stream ended without done")
		return emit(datatypes.NewErrorChunk(genericFailureMessage, false))
	}

	text, digest, err := acc.Finalize()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accumulator failed")
		return emit(datatypes.NewErrorChunk(genericFailureMessage, false))
	}
	s.logger.Debug("stream complete", "session_id", req.SessionId, "response_sha256", digest, "tokens", usage.Total())

	if w := s.warning(tc); w != "" {
		text += w
		if err := emit(datatypes.NewContentChunk(w)); err != nil {
			observability.RecordClientDisconnect()
			return errClientGone
		}
	}
	if err := emit(datatypes.NewDoneChunk(result.Sources)); err != nil {
		observability.RecordClientDisconnect()
		return errClientGone
	}

	s.persistDetached(ctx, newTurn(req, text))

	observability.RecordTokens(s.client.Name(), usage.InputTokens, usage.OutputTokens)
	s.recordAnalytics(ctx, req, len(text), usage, false, time.Since(start))
	return nil
}

// persistDetached saves a finished streaming turn on a context detached
// from the request, so a client that hangs up right after the terminal
// chunk cannot cancel the history write.
func (s *Service) persistDetached(ctx context.Context, turn datatypes.ConversationTurn) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()
	s.persistTurn(dctx, turn)
}
