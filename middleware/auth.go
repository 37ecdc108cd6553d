// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the chat API.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header and checks it against the configured key set. The matched key's
// client id is stored in the Gin context for downstream handlers and the
// rate limiter.
//
// When no keys are configured the middleware is a pass-through: every
// request is treated as the anonymous client. This keeps local
// single-user deployments free of auth infrastructure.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/parleylabs/parley/pkg/logging"
)

// =============================================================================
// Context Keys
// =============================================================================

// clientIDKey is the context key for the authenticated client id.
const clientIDKey = "parley_client_id"

// AnonymousClient identifies requests when auth is disabled.
const AnonymousClient = "anonymous"

// GetClientID returns the authenticated client id for the request, or
// AnonymousClient if the auth middleware did not run.
func GetClientID(c *gin.Context) string {
	v, ok := c.Get(clientIDKey)
	if !ok {
		return AnonymousClient
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return AnonymousClient
	}
	return id
}

// =============================================================================
// Middleware
// =============================================================================

// AuthMiddleware validates bearer API keys.
//
// # Inputs
//
//   - keys: map from API key to client id. An empty or nil map disables
//     auth entirely.
//
// # Outputs
//
//   - gin.HandlerFunc that rejects unauthenticated requests with 401 and
//     stores the client id in the context otherwise.
func AuthMiddleware(keys map[string]string) gin.HandlerFunc {
	if len(keys) == 0 {
		return func(c *gin.Context) {
			c.Set(clientIDKey, AnonymousClient)
			c.Next()
		}
	}

	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		// Constant-time compare against every configured key so timing
		// cannot distinguish near-miss keys.
		var clientID string
		for key, id := range keys {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				clientID = id
			}
		}
		if clientID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Set(clientIDKey, clientID)
		c.Set("parley_api_key_masked", logging.MaskAPIKey(token))
		c.Next()
	}
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>".
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
