// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompts holds the named system prompt registry. Prompts are
// loaded once from YAML at startup; language enhancement composes a
// per-request override instead of mutating the stored prompt, so the
// registry itself stays immutable after load.
package prompts

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultPromptName is used when a request names no prompt.
const DefaultPromptName = "default"

const defaultPromptText = "You are a helpful assistant. Answer using the provided context when it is relevant, and say so plainly when it is not."

// Registry maps prompt names to their text. Safe for concurrent reads.
type Registry struct {
	mu      sync.RWMutex
	prompts map[string]string
}

type promptFile struct {
	Prompts map[string]string `yaml:"prompts"`
}

// NewRegistry returns a registry holding only the built-in default.
func NewRegistry() *Registry {
	return &Registry{prompts: map[string]string{DefaultPromptName: defaultPromptText}}
}

// LoadFile merges prompts from a YAML file into the registry. File
// entries win over the built-in default.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt file: %w", err)
	}
	var pf promptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse prompt file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, text := range pf.Prompts {
		r.prompts[name] = text
	}
	return nil
}

// Get returns the named prompt. Unknown names fall back to the default.
func (r *Registry) Get(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = DefaultPromptName
	}
	if text, ok := r.prompts[name]; ok {
		return text
	}
	return r.prompts[DefaultPromptName]
}

// Has reports whether the registry holds a prompt under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.prompts[name]
	return ok
}

// Resolve returns the prompt for name with the given suffix appended.
// The suffix is a per-request language override; the stored prompt is
// never modified.
func (r *Registry) Resolve(name, suffix string) string {
	return r.Get(name) + suffix
}
