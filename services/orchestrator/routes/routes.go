// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the orchestrator's HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRecall/pkg/extensions"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/observability"
)

// Deps carries everything the route handlers need. The orchestrator
// builds one Deps at startup; tests build theirs around fakes.
type Deps struct {
	// Manager owns per-session engines and runs turns.
	Manager *conversation.SessionManager

	// Sessions and Messages back the read-only session endpoints.
	Sessions memory.SessionStore
	Messages memory.MessageStore

	// Users backs the facts endpoint.
	Users memory.UserStore

	// Metrics is nil-safe.
	Metrics *observability.Metrics

	// Ext carries the extension points. AuthProvider feeds the auth
	// middleware; the chat handlers run the authz, audit, and filter
	// seams. The no-op defaults serve single-user local deployments.
	Ext extensions.ServiceOptions

	// EnableMetricsEndpoint exposes /metrics when set.
	EnableMetricsEndpoint bool
}

// SetupRoutes registers every endpoint on the router.
//
// Unauthenticated: /health and, when enabled, /metrics. Everything else
// sits behind the bearer-auth middleware, including the websocket
// endpoint, which authenticates during the HTTP upgrade request.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	if deps.EnableMetricsEndpoint {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	deps.Ext = deps.Ext.Normalized()
	authed := router.Group("/", middleware.AuthMiddleware(deps.Ext.AuthProvider))

	ws := authed.Group("/ws")
	{
		ws.GET("/chat", handlers.HandleChatWS(deps.Manager, deps.Ext, deps.Metrics))
	}

	v1 := authed.Group("/v1")
	{
		v1.POST("/chat", handlers.HandleChat(deps.Manager, deps.Ext, deps.Metrics))
		v1.GET("/memory", handlers.GetMemory(deps.Users))

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(deps.Sessions))
			sessions.GET("/:sessionId/history", handlers.GetSessionHistory(deps.Sessions, deps.Messages))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(deps.Manager))
		}
	}
}
