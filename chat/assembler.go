// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"fmt"
	"strings"

	"github.com/parleylabs/parley/datatypes"
	"github.com/parleylabs/parley/language"
)

// assembled is the fully composed provider payload for one turn.
type assembled struct {
	// Message is the final user message: retrieved context inlined,
	// language override applied.
	Message string

	// Context is the prior-turn history, possibly salted with the
	// synthetic language-override exchange.
	Context []datatypes.Message

	// SystemPrompt is the resolved prompt text with any language suffix.
	SystemPrompt string
}

// assemble merges retrieved context, conversation history, the resolved
// system prompt, and the language enhancement into one provider payload.
//
// The enhancement is consumed here and nowhere else; it is computed per
// request and discarded with the payload after the provider call.
func assemble(message, retrievedContext string, history []datatypes.Message, systemPrompt string, enh *language.Enhancement) assembled {
	composed := message
	if retrievedContext != "" {
		composed = fmt.Sprintf("Context information:\n%s\n\nUser Query: %s", retrievedContext, message)
	}
	composed = enh.ApplyToMessage(composed)

	context := history
	if len(history) > 0 {
		if pair := enh.ContextOverridePair(); pair != nil {
			context = make([]datatypes.Message, 0, len(history)+2)
			context = append(context, history...)
			context = append(context, pair...)
		}
	}

	return assembled{
		Message:      composed,
		Context:      context,
		SystemPrompt: systemPrompt + enh.SystemPromptSuffix(),
	}
}

// cleanChunk normalizes streamed token text before it is forwarded and
// accumulated: carriage returns are dropped and null bytes stripped.
// Anything heavier would desynchronize the forwarded stream from the
// stored text.
func cleanChunk(s string) string {
	if !strings.ContainsAny(s, "\r\x00") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\x00", "")
}
