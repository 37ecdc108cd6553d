// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the chat pipeline.
//
// # Description
//
// Metrics cover the full turn lifecycle:
//   - Request counters (by endpoint, status)
//   - Scanner verdicts and infrastructure failures
//   - Token usage by provider
//   - Latency histograms (time to first token, turn duration)
//   - Active stream gauges and client disconnects
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. All helpers nil-check
// DefaultMetrics so packages can record unconditionally; tests that never
// call InitMetrics simply record into the void.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "parley"

const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for chat operations.
// Initialize once at startup via InitMetrics().
type ChatMetrics struct {
	// RequestsTotal counts turns by endpoint and outcome.
	// Labels: endpoint (chat, chat_stream, ws_chat), status (success, error, blocked)
	RequestsTotal *prometheus.CounterVec

	// ScannerVerdictsTotal counts scanner verdicts.
	// Labels: scanner, content_type (prompt, response), verdict (safe, unsafe)
	ScannerVerdictsTotal *prometheus.CounterVec

	// ScannerFailuresTotal counts fail-open infrastructure failures.
	// Labels: scanner
	ScannerFailuresTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction and provider.
	// Labels: direction (input, output), provider
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first streamed chunk.
	// Labels: provider
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// TurnDurationSeconds measures total turn duration.
	// Labels: endpoint, status
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	ActiveStreams prometheus.Gauge

	// ClientDisconnectsTotal counts mid-stream client disconnections.
	ClientDisconnectsTotal prometheus.Counter

	// LimitWarningsTotal counts conversation-limit warnings emitted.
	LimitWarningsTotal prometheus.Counter

	// ArchivalsTotal counts session archival events.
	ArchivalsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *ChatMetrics

// InitMetrics creates and registers all metrics on the default registry.
// Call once at startup; a second call panics on duplicate registration.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "requests_total",
			Help:      "Chat turns by endpoint and outcome.",
		}, []string{"endpoint", "status"}),

		ScannerVerdictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "scanner_verdicts_total",
			Help:      "Security scanner verdicts.",
		}, []string{"scanner", "content_type", "verdict"}),

		ScannerFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "scanner_failures_total",
			Help:      "Scanner infrastructure failures handled fail-open.",
		}, []string{"scanner"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "tokens_total",
			Help:      "Tokens processed by direction and provider.",
		}, []string{"direction", "provider"}),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Latency from provider call to first streamed chunk.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),

		TurnDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "turn_duration_seconds",
			Help:      "Total duration of one chat turn.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"endpoint", "status"}),

		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "active_streams",
			Help:      "Currently open streaming connections.",
		}),

		ClientDisconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Client disconnections observed mid-stream.",
		}),

		LimitWarningsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "limit_warnings_total",
			Help:      "Conversation-limit warnings appended to responses.",
		}),

		ArchivalsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "archivals_total",
			Help:      "Session archival events triggered by the turn cap.",
		}),
	}
	return DefaultMetrics
}

// =============================================================================
// Nil-Safe Recording Helpers
// =============================================================================

// RecordRequest records one finished turn.
func RecordRequest(endpoint, status string, duration time.Duration) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	DefaultMetrics.TurnDurationSeconds.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}

// RecordScannerVerdict records one scanner verdict.
func RecordScannerVerdict(scanner, contentType string, safe bool) {
	if DefaultMetrics == nil {
		return
	}
	verdict := "unsafe"
	if safe {
		verdict = "safe"
	}
	DefaultMetrics.ScannerVerdictsTotal.WithLabelValues(scanner, contentType, verdict).Inc()
}

// RecordScannerFailure records one fail-open scanner failure.
func RecordScannerFailure(scanner string) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ScannerFailuresTotal.WithLabelValues(scanner).Inc()
}

// RecordTokens records provider-reported token usage.
func RecordTokens(provider string, input, output int) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.TokensTotal.WithLabelValues("input", provider).Add(float64(input))
	DefaultMetrics.TokensTotal.WithLabelValues("output", provider).Add(float64(output))
}

// RecordTimeToFirstToken records streaming first-chunk latency.
func RecordTimeToFirstToken(provider string, d time.Duration) {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.TimeToFirstTokenSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// StreamOpened increments the active stream gauge.
func StreamOpened() {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ActiveStreams.Inc()
}

// StreamClosed decrements the active stream gauge.
func StreamClosed() {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ActiveStreams.Dec()
}

// RecordClientDisconnect records one mid-stream disconnect.
func RecordClientDisconnect() {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ClientDisconnectsTotal.Inc()
}

// RecordLimitWarning records one emitted conversation-limit warning.
func RecordLimitWarning() {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.LimitWarningsTotal.Inc()
}

// RecordArchival records one session archival.
func RecordArchival() {
	if DefaultMetrics == nil {
		return
	}
	DefaultMetrics.ArchivalsTotal.Inc()
}
