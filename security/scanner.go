// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package security implements the scanner chain that gates every user
// message and model response. Scanners run in fixed priority order, the
// chain short-circuits on the first unsafe verdict, and a scanner that
// fails at the infrastructure level is treated as safe (fail-open) so an
// outage never blocks legitimate traffic. The fail-open path is logged
// for audit.
package security

import (
	"context"
	"strings"

	"github.com/parleylabs/parley/datatypes"
)

// Scanner produces a safety verdict for one piece of content.
//
// Implementations hold no per-call state and must be safe for concurrent
// use. A returned error means the scanner itself failed (network outage,
// malformed reply), not that the content is unsafe.
type Scanner interface {
	// Name identifies the scanner in verdicts and audit logs.
	Name() string

	// Check evaluates content. contentType tells the scanner whether it
	// is looking at a user prompt or a model response.
	Check(ctx context.Context, content string, contentType datatypes.ContentType, userId, sessionId string) (datatypes.SecurityVerdict, error)
}

// =============================================================================
// User-Facing Reason Sanitization
// =============================================================================

// technicalPhrases are scanner-internal fragments stripped from reasons
// before they reach a client. Users get a plain-language refusal, never
// scanner terminology.
var technicalPhrases = []string{
	"Potential ",
	" detected",
	"Review and sanitize user input",
}

// SanitizeReason converts the first recommendation of an unsafe verdict
// into the single reason string a client is allowed to see. Scanner names,
// risk scores, and raw scanner output never pass through here.
func SanitizeReason(verdict datatypes.SecurityVerdict) string {
	reason := "content policy violation"
	if len(verdict.Recommendations) > 0 {
		reason = verdict.Recommendations[0]
		for _, phrase := range technicalPhrases {
			reason = strings.ReplaceAll(reason, phrase, "")
		}
		reason = strings.TrimSpace(strings.Trim(reason, ".,"))
		if reason == "" {
			reason = "content policy violation"
		}
	}
	return "Your message was blocked: " + reason
}
