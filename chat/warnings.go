// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"strconv"
	"strings"

	"github.com/parleylabs/parley/observability"
)

// DefaultWarningTemplate is appended once, on the last exchange before
// the session hits its cap. {max} is substituted with the configured
// maximum message count.
const DefaultWarningTemplate = "\n\n[Notice: this conversation is approaching its limit of {max} messages. Older messages will be archived soon.]"

// limitWarning returns the warning text when this exchange is the last
// one before the cap, otherwise empty.
//
// The check is fencepost-exact, not a range: current is the stored
// message count (after any archival this request triggered) and the +2
// accounts for the user message and assistant response about to be
// added. Warn iff current+2 == max, so the warning fires exactly once
// per approach to the cap and never repeats on earlier or later turns.
func limitWarning(current, max int, template string) string {
	if max <= 0 || current+2 != max {
		return ""
	}
	if template == "" {
		template = DefaultWarningTemplate
	}
	observability.RecordLimitWarning()
	return strings.ReplaceAll(template, "{max}", strconv.Itoa(max))
}
