// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

// genericFailureMessage is the only text a client sees for provider or
// retrieval failures. Full detail goes to the logs, never over the wire.
const genericFailureMessage = "Failed to generate a response. Please try again."

// moderationPrefix marks a stored turn whose assistant side is a
// provider moderation message rather than a real answer. These are kept
// in history (flagged) instead of being silently dropped.
const moderationPrefix = "[LLM MODERATION] "
