// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package language detects the language of a user message and builds the
// per-request enhancement that forces the provider to answer in kind.
// Detection fails open: any detector failure reports English, which is a
// no-op downstream, so the turn is never blocked on language handling.
package language

import (
	"strings"

	"github.com/pemistahl/lingua-go"
)

// Detector reports the language of a message.
type Detector interface {
	// Detect returns the ISO 639-1 code (lowercase) and the human-readable
	// language name. Must return "en", "English" on any failure.
	Detect(message string) (code string, name string)
}

// =============================================================================
// Lingua Detector
// =============================================================================

// linguaDetector wraps a lingua-go detector. The detector is built once at
// startup (model load is expensive) and is safe for concurrent use.
type linguaDetector struct {
	detector lingua.LanguageDetector
}

var _ Detector = (*linguaDetector)(nil)

// NewDetector builds a detector over a fixed set of commonly seen
// languages. Restricting the set keeps memory bounded and improves
// short-text accuracy over the all-languages model.
func NewDetector() Detector {
	languages := []lingua.Language{
		lingua.English,
		lingua.Spanish,
		lingua.French,
		lingua.German,
		lingua.Italian,
		lingua.Portuguese,
		lingua.Dutch,
		lingua.Russian,
		lingua.Chinese,
		lingua.Japanese,
		lingua.Korean,
		lingua.Arabic,
		lingua.Hindi,
		lingua.Turkish,
	}
	return &linguaDetector{
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(languages...).
			WithPreloadedLanguageModels().
			Build(),
	}
}

// Detect implements Detector.
func (d *linguaDetector) Detect(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "en", "English"
	}
	lang, ok := d.detector.DetectLanguageOf(trimmed)
	if !ok {
		return "en", "English"
	}
	code := strings.ToLower(lang.IsoCode639_1().String())
	if code == "" {
		return "en", "English"
	}
	return code, lang.String()
}
