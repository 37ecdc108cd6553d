// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parleylabs/parley/history"
	"github.com/parleylabs/parley/llm"
)

// healthProbeTimeout bounds the provider and store probes so a hung
// dependency cannot hang the health endpoint.
const healthProbeTimeout = 5 * time.Second

// HealthHandler serves GET /health. Reports per-dependency status; the
// overall status is degraded when any probe fails but the endpoint always
// answers 200 so orchestrators distinguish "up but degraded" from "down".
type HealthHandler interface {
	HandleHealth(c *gin.Context)
}

type healthHandler struct {
	client llm.Client
	store  history.Store
}

var _ HealthHandler = (*healthHandler)(nil)

// NewHealthHandler creates the health handler. Either dependency may be
// nil; nil dependencies are reported as "disabled".
func NewHealthHandler(client llm.Client, store history.Store) HealthHandler {
	return &healthHandler{client: client, store: store}
}

func (h *healthHandler) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	providerStatus := "disabled"
	if h.client != nil {
		providerStatus = "unreachable"
		if h.client.VerifyConnection(ctx) {
			providerStatus = "ok"
		}
	}

	storeStatus := "disabled"
	if h.store != nil {
		storeStatus = "ok"
		if _, err := h.store.ListSessions(ctx); err != nil {
			storeStatus = "unreachable"
		}
	}

	overall := "ok"
	if providerStatus == "unreachable" || storeStatus == "unreachable" {
		overall = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   overall,
		"provider": providerStatus,
		"history":  storeStatus,
	})
}
