// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/parleylabs/parley/datatypes"
)

// OllamaClient talks to a local Ollama server over its native HTTP API.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

var _ Client = (*OllamaClient)(nil)

// NewOllamaClient builds an adapter for the Ollama server at baseURL.
// The long client timeout accommodates slow local generation.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// Name implements Client.
func (c *OllamaClient) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         datatypes.Message `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
	Error           string            `json:"error,omitempty"`
}

func (c *OllamaClient) buildChatRequest(req GenerateRequest, stream bool) ollamaChatRequest {
	messages := make([]datatypes.Message, 0, len(req.Context)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, datatypes.Message{Role: datatypes.RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, req.Context...)
	messages = append(messages, datatypes.Message{Role: datatypes.RoleUser, Content: req.Message})

	options := map[string]any{}
	if p := req.Params.Temperature; p != nil {
		options["temperature"] = *p
	}
	if p := req.Params.TopP; p != nil {
		options["top_p"] = *p
	}
	if p := req.Params.MaxTokens; p != nil {
		options["num_predict"] = *p
	}
	if len(req.Params.Stop) > 0 {
		options["stop"] = req.Params.Stop
	}
	if len(options) == 0 {
		options = nil
	}
	return ollamaChatRequest{Model: c.model, Messages: messages, Stream: stream, Options: options}
}

func (c *OllamaClient) post(ctx context.Context, req ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama call: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama returned %d", resp.StatusCode)
	}
	return resp, nil
}

// Generate implements Client.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	start := time.Now()
	resp, err := c.post(ctx, c.buildChatRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}
	return &GenerateResult{
		Response: out.Message.Content,
		TokenUsage: datatypes.TokenUsage{
			InputTokens:  out.PromptEvalCount,
			OutputTokens: out.EvalCount,
		},
		ProcessingTime: time.Since(start),
	}, nil
}

// GenerateStream implements Client. Ollama streams newline-delimited JSON
// objects; the final object has done=true and carries the eval counts.
func (c *OllamaClient) GenerateStream(ctx context.Context, req GenerateRequest, cb StreamCallback) error {
	resp, err := c.post(ctx, c.buildChatRequest(req, true))
	if err != nil {
		return cb(StreamEvent{Type: StreamEventError, Err: err})
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return cb(StreamEvent{Type: StreamEventError, Err: fmt.Errorf("decode ollama chunk: %w", err)})
		}
		if chunk.Error != "" {
			return cb(StreamEvent{Type: StreamEventError, Err: fmt.Errorf("ollama error: %s", chunk.Error)})
		}
		if chunk.Message.Content != "" {
			if err := cb(StreamEvent{Type: StreamEventToken, Content: chunk.Message.Content}); err != nil {
				return err
			}
		}
		if chunk.Done {
			return cb(StreamEvent{
				Type: StreamEventDone,
				Usage: datatypes.TokenUsage{
					InputTokens:  chunk.PromptEvalCount,
					OutputTokens: chunk.EvalCount,
				},
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return cb(StreamEvent{Type: StreamEventError, Err: fmt.Errorf("read ollama stream: %w", err)})
	}
	// Stream ended without a done marker.
	return cb(StreamEvent{Type: StreamEventError, Err: fmt.Errorf("ollama stream ended without done")})
}

// VerifyConnection implements Client.
func (c *OllamaClient) VerifyConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
