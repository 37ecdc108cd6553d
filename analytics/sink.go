// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analytics records conversation events to an external sink.
// Recording is best-effort: a sink failure is logged and swallowed, it
// never fails the turn that produced the event.
package analytics

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/parleylabs/parley/pkg/logging"
)

// Event is one recorded exchange. Message and response lengths are
// recorded instead of raw text; the sink is for usage analytics, not a
// second copy of conversation history.
type Event struct {
	SessionId     string
	UserId        string
	ApiKey        string
	Provider      string
	MessageChars  int
	ResponseChars int
	InputTokens   int
	OutputTokens  int
	Blocked       bool
	DurationMs    int64
}

// Sink records events.
type Sink interface {
	Record(ctx context.Context, event Event)
	Close()
}

// =============================================================================
// InfluxDB Sink
// =============================================================================

// InfluxSink writes events as points to an InfluxDB bucket.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *slog.Logger
}

var _ Sink = (*InfluxSink)(nil)

// NewInfluxSink connects to the InfluxDB instance at url.
func NewInfluxSink(url, token, org, bucket string, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		logger:   logger,
	}
}

// Record implements Sink. Failures are logged and swallowed.
func (s *InfluxSink) Record(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p := influxdb2.NewPointWithMeasurement("conversation_events").
		AddTag("provider", event.Provider).
		AddTag("blocked", boolTag(event.Blocked)).
		AddField("session_id", event.SessionId).
		AddField("user_id", event.UserId).
		AddField("api_key", logging.MaskAPIKey(event.ApiKey)).
		AddField("message_chars", event.MessageChars).
		AddField("response_chars", event.ResponseChars).
		AddField("input_tokens", event.InputTokens).
		AddField("output_tokens", event.OutputTokens).
		AddField("duration_ms", event.DurationMs).
		SetTime(time.Now())

	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		s.logger.Warn("analytics write failed", "error", err, "sessionId", event.SessionId)
	}
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Close implements Sink.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// =============================================================================
// Nop Sink
// =============================================================================

// NopSink discards everything. Used when analytics is not configured.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Record(context.Context, Event) {}
func (NopSink) Close()                        {}
