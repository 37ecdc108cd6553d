// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parleylabs/parley/datatypes"
	"github.com/parleylabs/parley/observability"
)

var chainTracer = otel.Tracer("parley.security.chain")

// =============================================================================
// Chain
// =============================================================================

// chainEntry pairs a scanner with its hot-reloadable enable flag.
type chainEntry struct {
	scanner Scanner
	enabled *atomic.Bool
}

// Chain evaluates scanners in fixed priority order. The chain holds no
// per-call state and is safe for concurrent use; enable flags may be
// flipped at runtime by the config watcher.
//
// Evaluation rules:
//   - A disabled scanner is vacuously safe and skipped.
//   - A scanner error is treated as safe (fail-open) and logged for audit.
//   - The first unsafe verdict is returned verbatim; later scanners do
//     not run.
//   - If every scanner is safe, the chain synthesizes one safe verdict
//     with the max risk score and the union of non-fatal flags.
type Chain struct {
	entries []chainEntry
	logger  *slog.Logger
}

// NewChain builds a chain over the given scanners, in priority order.
// Every scanner starts enabled.
func NewChain(logger *slog.Logger, scanners ...Scanner) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger}
	for _, s := range scanners {
		enabled := &atomic.Bool{}
		enabled.Store(true)
		c.entries = append(c.entries, chainEntry{scanner: s, enabled: enabled})
	}
	return c
}

// SetEnabled flips one scanner's enable flag and reports whether the
// scanner exists. Called by the config watcher on hot reload.
func (c *Chain) SetEnabled(name string, enabled bool) bool {
	for _, e := range c.entries {
		if e.scanner.Name() == name {
			e.enabled.Store(enabled)
			return true
		}
	}
	return false
}

// Enabled reports one scanner's current flag. Unknown names report false.
func (c *Chain) Enabled(name string) bool {
	for _, e := range c.entries {
		if e.scanner.Name() == name {
			return e.enabled.Load()
		}
	}
	return false
}

// Check runs the chain on one piece of content.
func (c *Chain) Check(ctx context.Context, content string, contentType datatypes.ContentType, userId, sessionId string) datatypes.SecurityVerdict {
	ctx, span := chainTracer.Start(ctx, "Chain.Check")
	defer span.End()
	span.SetAttributes(
		attribute.String("content_type", string(contentType)),
		attribute.Int("scanners", len(c.entries)),
	)

	aggregate := datatypes.SafeVerdict(content)
	for _, entry := range c.entries {
		if !entry.enabled.Load() {
			continue
		}

		verdict, err := entry.scanner.Check(ctx, content, contentType, userId, sessionId)
		if err != nil {
			// Fail open: an unreachable scanner must not block
			// legitimate traffic. The gap is logged for audit.
			c.logger.Error("scanner infrastructure failure, failing open",
				"scanner", entry.scanner.Name(),
				"contentType", string(contentType),
				"sessionId", sessionId,
				"error", err)
			observability.RecordScannerFailure(entry.scanner.Name())
			continue
		}

		observability.RecordScannerVerdict(entry.scanner.Name(), string(contentType), verdict.IsSafe)
		if !verdict.IsSafe {
			span.SetAttributes(attribute.Bool("blocked", true))
			return verdict
		}

		if verdict.RiskScore > aggregate.RiskScore {
			aggregate.RiskScore = verdict.RiskScore
		}
		aggregate.FlaggedScanners = append(aggregate.FlaggedScanners, verdict.FlaggedScanners...)
		if verdict.SanitizedContent != "" {
			aggregate.SanitizedContent = verdict.SanitizedContent
		}
	}
	return aggregate
}
