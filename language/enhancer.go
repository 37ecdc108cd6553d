// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package language

import (
	"fmt"

	"github.com/parleylabs/parley/datatypes"
)

// Mode selects how a language instruction is delivered to the provider.
type Mode string

const (
	// ModeFull suffixes a durable system prompt with the instruction.
	ModeFull Mode = "full"

	// ModeInferenceOnly prepends a loud override block to the user message
	// and salts the context with a synthetic override exchange. Used when
	// no durable system prompts are available.
	ModeInferenceOnly Mode = "inference-only"
)

// Enhancement is the per-request language adaptation. Computed once from
// the detected language, consumed immediately by the context assembler,
// and discarded after the provider call. Never cached.
type Enhancement struct {
	Mode            Mode
	LanguageCode    string
	LanguageName    string
	Instruction     string
	TargetPromptRef string
}

// Enhancer turns a detected language into an Enhancement.
type Enhancer struct {
	detector Detector
	mode     Mode
	enabled  bool
}

// NewEnhancer builds an enhancer. A nil detector disables enhancement
// entirely (every message passes through untouched).
func NewEnhancer(detector Detector, mode Mode, enabled bool) *Enhancer {
	if mode != ModeFull {
		mode = ModeInferenceOnly
	}
	return &Enhancer{detector: detector, mode: mode, enabled: enabled}
}

// Enhance computes the enhancement for one message. Returns nil for
// English (or any detection failure, which reports English): detected
// "en" is a no-op, every time.
func (e *Enhancer) Enhance(message, systemPromptRef string) *Enhancement {
	if !e.enabled || e.detector == nil {
		return nil
	}
	code, name := e.detector.Detect(message)
	if code == "en" {
		return nil
	}

	enh := &Enhancement{
		Mode:            e.mode,
		LanguageCode:    code,
		LanguageName:    name,
		TargetPromptRef: systemPromptRef,
	}
	if e.mode == ModeFull {
		enh.Instruction = fullModeInstruction(name)
	} else {
		enh.Instruction = inferenceOnlyInstruction(name)
	}
	return enh
}

// ApplyToMessage returns the final user message for inference-only mode:
// the override block, a blank line, then the original message. Full-mode
// enhancements leave the message untouched.
func (enh *Enhancement) ApplyToMessage(message string) string {
	if enh == nil || enh.Mode != ModeInferenceOnly {
		return message
	}
	return enh.Instruction + "\n\n" + message
}

// ContextOverridePair returns the synthetic user/assistant exchange that
// is appended to a non-empty context history in inference-only mode. The
// pair sits directly before the current user turn, overriding the language
// pattern the history established.
func (enh *Enhancement) ContextOverridePair() []datatypes.Message {
	if enh == nil || enh.Mode != ModeInferenceOnly {
		return nil
	}
	return []datatypes.Message{
		{
			Role:    datatypes.RoleUser,
			Content: "Please note: I am now switching to a different language for my next question. Please respond in the same language I use in my next message, regardless of the language used in our previous conversation.",
		},
		{
			Role:    datatypes.RoleAssistant,
			Content: "Understood. I will respond in whatever language you use in your next message.",
		},
	}
}

// SystemPromptSuffix returns the suffix appended to a durable system
// prompt in full mode. Empty for inference-only enhancements.
func (enh *Enhancement) SystemPromptSuffix() string {
	if enh == nil || enh.Mode != ModeFull {
		return ""
	}
	return enh.Instruction
}

func inferenceOnlyInstruction(languageName string) string {
	return fmt.Sprintf(
		"\n\n=== LANGUAGE OVERRIDE ===\n"+
			"ATTENTION: The user has switched to %s.\n"+
			"MANDATORY INSTRUCTION: You MUST respond ONLY in %s.\n"+
			"IGNORE any previous conversation language patterns.\n"+
			"The user expects and requires a response in %s.\n"+
			"Do NOT respond in English or any other language.\n"+
			"=== END LANGUAGE OVERRIDE ===\n",
		languageName, languageName, languageName)
}

func fullModeInstruction(languageName string) string {
	return fmt.Sprintf("\n\nIMPORTANT: The user's message is in %s. You MUST respond in %s only.", languageName, languageName)
}
