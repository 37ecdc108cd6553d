// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the service configuration.
//
// Configuration is YAML-first with environment overrides for secrets, so
// a config file can be committed without credentials. The security
// scanner toggles support hot reload via Watcher; everything else
// requires a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Types
// =============================================================================

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Security  SecurityConfig  `yaml:"security"`
	History   HistoryConfig   `yaml:"history"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Language  LanguageConfig  `yaml:"language"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig feeds pkg/logging. Dir enables file output alongside
// stderr; empty keeps stderr only.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LLMConfig struct {
	// Provider is one of: ollama, openai, azure, groq, mistral, gemini,
	// huggingface.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"top_p"`
	MaxTokens   *int     `yaml:"max_tokens"`

	// GenerateTimeout caps one provider call, streaming included. Zero
	// means the orchestrator default.
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
}

// ScannerConfig is one security scanner endpoint. Enabled can be flipped
// at runtime through the config watcher.
type ScannerConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

type SecurityConfig struct {
	Scanners []ScannerConfig `yaml:"scanners"`
}

type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Backend is "weaviate" or "memory". The memory backend is the
	// lightweight mode used when no Weaviate is deployed.
	Backend string `yaml:"backend"`

	WeaviateHost   string `yaml:"weaviate_host"`
	WeaviateScheme string `yaml:"weaviate_scheme"`

	MaxMessages     int    `yaml:"max_messages"`
	KeepRecent      int    `yaml:"keep_recent"`
	WarningTemplate string `yaml:"warning_template"`
}

type RetrieverConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type LanguageConfig struct {
	Enabled bool `yaml:"enabled"`

	// Mode is "inference_only" (default) or "full".
	Mode string `yaml:"mode"`
}

type PromptsConfig struct {
	File string `yaml:"file"`
}

type AnalyticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type AuthConfig struct {
	// APIKeys maps API key to client id. Empty disables auth.
	APIKeys map[string]string `yaml:"api_keys"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the configuration used when no file is present: a
// local Ollama deployment with in-memory history and no auth.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1",
			BaseURL:  "http://localhost:11434",
		},
		History: HistoryConfig{
			Enabled:        true,
			Backend:        "memory",
			WeaviateScheme: "http",
			MaxMessages:    20,
			KeepRecent:     10,
		},
		Retriever: RetrieverConfig{
			URL:     "http://localhost:8001",
			Timeout: 30 * time.Second,
		},
		Language: LanguageConfig{
			Enabled: true,
			Mode:    "inference_only",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path, merges it over defaults, applies
// environment overrides, and validates. An empty path returns defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secret-bearing fields from the environment so they
// never have to live in the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PARLEY_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("PARLEY_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("PARLEY_INFLUX_TOKEN"); v != "" {
		c.Analytics.Token = v
	}
	if v := os.Getenv("PARLEY_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("PARLEY_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate rejects configurations that cannot produce a working service.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return fmt.Errorf("config: llm.provider is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("config: llm.model is required")
	}
	if c.Retriever.URL == "" {
		return fmt.Errorf("config: retriever.url is required")
	}
	switch c.History.Backend {
	case "", "memory", "weaviate":
	default:
		return fmt.Errorf("config: unknown history backend %q", c.History.Backend)
	}
	if c.History.Backend == "weaviate" && c.History.WeaviateHost == "" {
		return fmt.Errorf("config: history.weaviate_host is required for the weaviate backend")
	}
	switch c.Language.Mode {
	case "", "inference_only", "full":
	default:
		return fmt.Errorf("config: unknown language mode %q", c.Language.Mode)
	}
	if c.History.MaxMessages < 0 || c.History.KeepRecent < 0 {
		return fmt.Errorf("config: history limits must be non-negative")
	}
	for _, sc := range c.Security.Scanners {
		if sc.Name == "" || sc.URL == "" {
			return fmt.Errorf("config: every scanner needs a name and url")
		}
	}
	return nil
}
