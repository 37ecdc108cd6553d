// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import "fmt"

// FactoryConfig selects and configures one provider at startup.
type FactoryConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// New builds the configured provider adapter. The provider set is closed:
// ollama speaks its native API, everything else goes through the
// OpenAI-compatible adapter.
func New(cfg FactoryConfig) (Client, error) {
	switch cfg.Provider {
	case "ollama":
		if cfg.Model == "" {
			return nil, fmt.Errorf("llm: model is required for provider %q", cfg.Provider)
		}
		return NewOllamaClient(cfg.BaseURL, cfg.Model), nil
	case "openai", "azure", "groq", "mistral", "gemini", "huggingface":
		return NewOpenAICompatClient(OpenAICompatConfig{
			Provider: cfg.Provider,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			BaseURL:  cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
