// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/parleylabs/parley/datatypes"
)

var openaiTracer = otel.Tracer("parley.llm.openai")

// Known OpenAI-compatible endpoints. Groq, Mistral, Gemini, and the
// HuggingFace router all speak the chat-completions wire protocol, so one
// adapter covers six providers.
const (
	groqBaseURL        = "https://api.groq.com/openai/v1"
	mistralBaseURL     = "https://api.mistral.ai/v1"
	geminiBaseURL      = "https://generativelanguage.googleapis.com/v1beta/openai"
	huggingfaceBaseURL = "https://router.huggingface.co/v1"
)

// OpenAICompatConfig configures a chat-completions adapter.
type OpenAICompatConfig struct {
	// Provider is one of: openai, azure, groq, mistral, gemini, huggingface.
	Provider string
	APIKey   string
	Model    string

	// BaseURL overrides the provider's known endpoint. Required for azure
	// (the resource endpoint) and for self-hosted compatible gateways.
	BaseURL string
}

// OpenAICompatClient adapts any OpenAI-compatible chat-completions
// backend to the Client interface.
type OpenAICompatClient struct {
	provider string
	model    string
	client   *openai.Client
}

var _ Client = (*OpenAICompatClient)(nil)

// NewOpenAICompatClient builds the adapter for the given provider.
func NewOpenAICompatClient(cfg OpenAICompatConfig) (*OpenAICompatClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required for provider %q", cfg.Provider)
	}

	var clientCfg openai.ClientConfig
	switch cfg.Provider {
	case "openai":
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
	case "azure":
		if cfg.BaseURL == "" {
			return nil, errors.New("llm: azure requires a resource endpoint")
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	case "groq":
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = groqBaseURL
	case "mistral":
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = mistralBaseURL
	case "gemini":
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = geminiBaseURL
	case "huggingface":
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = huggingfaceBaseURL
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
	if cfg.BaseURL != "" && cfg.Provider != "openai" && cfg.Provider != "azure" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAICompatClient{
		provider: cfg.Provider,
		model:    cfg.Model,
		client:   openai.NewClientWithConfig(clientCfg),
	}, nil
}

// Name implements Client.
func (c *OpenAICompatClient) Name() string { return c.provider }

func (c *OpenAICompatClient) buildMessages(req GenerateRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Context)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Context {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})
	return messages
}

func (c *OpenAICompatClient) buildRequest(req GenerateRequest, stream bool) openai.ChatCompletionRequest {
	ccr := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: c.buildMessages(req),
		Stream:   stream,
	}
	if p := req.Params.Temperature; p != nil {
		ccr.Temperature = *p
	}
	if p := req.Params.TopP; p != nil {
		ccr.TopP = *p
	}
	if p := req.Params.MaxTokens; p != nil {
		ccr.MaxTokens = *p
	}
	if len(req.Params.Stop) > 0 {
		ccr.Stop = req.Params.Stop
	}
	if stream {
		ccr.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return ccr
}

// Generate implements Client.
func (c *OpenAICompatClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAICompatClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", c.provider),
		attribute.String("model", c.model),
	)

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, fmt.Errorf("%s completion: %w", c.provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s completion: empty choices", c.provider)
	}

	return &GenerateResult{
		Response: resp.Choices[0].Message.Content,
		TokenUsage: datatypes.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		ProcessingTime: time.Since(start),
	}, nil
}

// GenerateStream implements Client.
func (c *OpenAICompatClient) GenerateStream(ctx context.Context, req GenerateRequest, cb StreamCallback) error {
	ctx, span := openaiTracer.Start(ctx, "OpenAICompatClient.GenerateStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", c.provider),
		attribute.String("model", c.model),
	)

	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return cb(StreamEvent{Type: StreamEventError, Err: fmt.Errorf("%s stream open: %w", c.provider, err)})
	}
	defer stream.Close()

	var usage datatypes.TokenUsage
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return cb(StreamEvent{Type: StreamEventDone, Usage: usage})
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream receive failed")
			return cb(StreamEvent{Type: StreamEventError, Err: fmt.Errorf("%s stream receive: %w", c.provider, err)})
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason == openai.FinishReasonContentFilter {
			span.SetStatus(codes.Error, "provider content filter")
			return cb(StreamEvent{Type: StreamEventError, Err: &ModerationError{
				Message: "The response was withheld by the provider's content filter.",
			}})
		}
		delta := choice.Delta.Content
		if delta == "" {
			continue
		}
		if err := cb(StreamEvent{Type: StreamEventToken, Content: delta}); err != nil {
			return err
		}
	}
}

// VerifyConnection implements Client with a cheap model-list probe.
func (c *OpenAICompatClient) VerifyConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.client.ListModels(ctx)
	return err == nil
}
