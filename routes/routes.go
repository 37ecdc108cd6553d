// Copyright (C) 2025 Parley Labs (oss@parleylabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleylabs/parley/chat"
	"github.com/parleylabs/parley/handlers"
	"github.com/parleylabs/parley/history"
	"github.com/parleylabs/parley/llm"
	"github.com/parleylabs/parley/middleware"
)

// Dependencies carries everything the route table needs.
type Dependencies struct {
	Service *chat.Service
	Store   history.Store
	Client  llm.Client
	Logger  *slog.Logger

	// APIKeys maps API key to client id; empty disables auth.
	APIKeys   map[string]string
	RateLimit middleware.RateLimitConfig
}

// SetupRoutes registers the full route table on the router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.NewHealthHandler(deps.Client, deps.Store).HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewChatHandler(deps.Service)
	streamHandler := handlers.NewStreamingChatHandler(deps.Service)
	wsHandler := handlers.NewWebSocketHandler(deps.Service, deps.Logger)

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.APIKeys))
	v1.Use(middleware.RateLimitMiddleware(deps.RateLimit))
	{
		v1.POST("/chat", chatHandler.HandleChat)
		v1.POST("/chat/stream", streamHandler.HandleChatStream)
		v1.GET("/chat/ws", wsHandler.HandleChatSocket)
		// Session administration routes. History can run disabled (no
		// store at all), in which case there are no sessions to manage.
		if deps.Store != nil {
			sessionHandler := handlers.NewSessionHandler(deps.Store, deps.Logger)
			sessions := v1.Group("/sessions")
			{
				sessions.GET("", sessionHandler.HandleListSessions)
				sessions.GET("/:id/history", sessionHandler.HandleSessionHistory)
				sessions.DELETE("/:id", sessionHandler.HandleDeleteSession)
			}
		}
	}
}
