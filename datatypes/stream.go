// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// StreamChunk is one SSE frame on the streaming wire. A content frame
// carries Response (and possibly Sources); a terminal frame carries
// Done=true, and an error terminal additionally carries Error and,
// for security blocks, Blocked.
type StreamChunk struct {
	Response string       `json:"response,omitempty"`
	Sources  []SourceInfo `json:"sources,omitempty"`
	Done     bool         `json:"done"`
	Error    string       `json:"error,omitempty"`
	Blocked  bool         `json:"blocked,omitempty"`
}

// NewContentChunk builds a non-terminal frame carrying response text.
func NewContentChunk(text string) StreamChunk {
	return StreamChunk{Response: text}
}

// NewDoneChunk builds the terminal frame of a successful stream.
func NewDoneChunk(sources []SourceInfo) StreamChunk {
	return StreamChunk{Done: true, Sources: sources}
}

// NewErrorChunk builds a terminal error frame. Terminal errors always set
// Done so a client can tear down on a single signal.
func NewErrorChunk(msg string, blocked bool) StreamChunk {
	return StreamChunk{Error: msg, Done: true, Blocked: blocked}
}

// Terminal reports whether the chunk ends the stream.
func (c StreamChunk) Terminal() bool {
	return c.Done
}
