// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig sets the per-client token bucket. Zero RPS disables
// limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// clientLimiters hands out one limiter per client id. Entries live for
// the process lifetime; the client id space is the configured key set
// plus the anonymous client, so the map stays small.
type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func (cl *clientLimiters) get(clientID string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if l, ok := cl.limiters[clientID]; ok {
		return l
	}
	l := rate.NewLimiter(cl.rps, cl.burst)
	cl.limiters[clientID] = l
	return l
}

// RateLimitMiddleware enforces a per-client request rate. Must run after
// AuthMiddleware so the client id is resolved.
func RateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limiters := &clientLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
	}

	return func(c *gin.Context) {
		if !limiters.get(GetClientID(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
