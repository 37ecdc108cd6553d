// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// ContentType tells a scanner which side of the exchange it is looking at.
type ContentType string

const (
	ContentTypePrompt   ContentType = "prompt"
	ContentTypeResponse ContentType = "response"
)

// SecurityVerdict is the result of evaluating one piece of content against
// the scanner chain. The chain returns the first unsafe verdict verbatim,
// or a synthesized safe verdict aggregating every scanner that ran.
type SecurityVerdict struct {
	IsSafe           bool     `json:"is_safe"`
	RiskScore        float64  `json:"risk_score"`
	FlaggedScanners  []string `json:"flagged_scanners,omitempty"`
	Recommendations  []string `json:"recommendations,omitempty"`
	SanitizedContent string   `json:"sanitized_content,omitempty"`
}

// SafeVerdict returns a vacuously safe verdict for the given content.
// Used for disabled scanners and for fail-open infrastructure failures.
func SafeVerdict(content string) SecurityVerdict {
	return SecurityVerdict{IsSafe: true, SanitizedContent: content}
}
