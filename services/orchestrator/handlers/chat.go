// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers for the orchestrator service.
//
// # Description
//
// Every handler is a constructor taking its collaborators and returning a
// gin.HandlerFunc, so routes.go decides the wiring and tests inject fakes.
// The chat endpoint runs one conversation turn and serves its event stream
// either buffered (one terminal JSON event) or as application/x-ndjson with
// one event per line. Identity comes from the auth middleware; handlers
// never see credentials. The extension seam (authorization, audit trail,
// message filtering) sits in the chat handlers: the no-op defaults make it
// invisible in the local build.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRecall/pkg/extensions"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/observability"
)

var tracer = otel.Tracer("recall.orchestrator.handlers")

// HandleChat runs one conversation turn.
//
// # Description
//
// Binds and validates the ChatRequest, resolves the caller's identity,
// runs the extension gates (authorization, then input filtering), and
// admits the turn through the session manager. Denied and blocked
// requests answer 403 and leave an audit event; admitted turns leave a
// "chat.message" event. With streaming=false the handler consumes the
// event stream and responds with the single terminal event; with
// streaming=true it writes every event as an NDJSON line, flushing per
// event so progress updates reach the client while the model is still
// working. The final reply passes through FilterOutput on both paths.
//
// # Inputs
//
//   - mgr: The session manager that owns per-session engines.
//   - opts: Extension points. Nil fields fall back to the no-ops.
//   - metrics: Stream gauges and disconnect counters. May be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: POST /v1/chat handler.
func HandleChat(mgr *conversation.SessionManager, opts extensions.ServiceOptions, metrics *observability.Metrics) gin.HandlerFunc {
	opts = opts.Normalized()
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.SetStatus(codes.Error, "bind failed")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			span.SetStatus(codes.Error, "validation failed")
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat request: " + err.Error()})
			return
		}

		authInfo := middleware.GetAuthInfo(c)
		userID := middleware.UserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		span.SetAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.Bool("request.streaming", req.Streaming))

		if err := opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
			User:         authInfo,
			Action:       "send",
			ResourceType: "chat",
			ResourceID:   req.SessionID,
		}); err != nil {
			span.SetStatus(codes.Error, "authorization denied")
			_ = opts.AuditLogger.Log(ctx, extensions.AuditEvent{
				EventType:    "authz.denied",
				Timestamp:    time.Now().UTC(),
				UserID:       userID,
				Action:       "send",
				ResourceType: "chat",
				ResourceID:   req.SessionID,
				Outcome:      "denied",
				Metadata: extensions.NewMetadata().
					Set("request_id", req.RequestID).
					Set("reason", err.Error()),
			})
			c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}

		filtered, err := opts.MessageFilter.FilterInput(ctx, req.Message)
		if err != nil {
			span.SetStatus(codes.Error, "input filter failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "message processing failed"})
			return
		}
		if filtered.WasBlocked {
			span.SetStatus(codes.Error, "message blocked")
			_ = opts.AuditLogger.Log(ctx, extensions.AuditEvent{
				EventType:    "chat.blocked",
				Timestamp:    time.Now().UTC(),
				UserID:       userID,
				Action:       "send",
				ResourceType: "chat",
				ResourceID:   req.SessionID,
				Outcome:      "blocked",
				Metadata: extensions.NewMetadata().
					Set("request_id", req.RequestID).
					Set("reason", filtered.BlockReason),
			})
			c.JSON(http.StatusForbidden, gin.H{
				"error":  "message blocked by content filter",
				"reason": filtered.BlockReason,
			})
			return
		}
		// The engine only ever sees the filtered text.
		req.Message = filtered.Filtered

		events, sessionID, err := mgr.ProcessTurn(ctx, userID, req.SessionID, req.Message)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			abortWithFault(c, err)
			return
		}
		span.SetAttributes(attribute.String("session.id", sessionID))

		_ = opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "chat.message",
			Timestamp:    time.Now().UTC(),
			UserID:       userID,
			Action:       "send",
			ResourceType: "chat",
			ResourceID:   sessionID,
			Outcome:      "success",
			Metadata: extensions.NewMetadata().
				Set("request_id", req.RequestID).
				Set("streaming", req.Streaming),
		})

		if req.Streaming {
			streamEvents(c, events, opts.MessageFilter, metrics)
			return
		}
		c.JSON(http.StatusOK, filterFinal(ctx, opts.MessageFilter, awaitTerminal(events, sessionID)))
	}
}

// awaitTerminal drains the stream and returns its terminal event.
// Progress events are dropped; a stream that closes without a terminal
// event (abandoned turn) reads as an error event.
func awaitTerminal(events <-chan datatypes.StreamEvent, sessionID string) datatypes.StreamEvent {
	var terminal datatypes.StreamEvent
	seen := false
	for ev := range events {
		if ev.Terminal() {
			terminal = ev
			seen = true
		}
	}
	if !seen {
		return datatypes.NewErrorEvent("the turn was interrupted", sessionID)
	}
	return terminal
}

// filterFinal runs the output filter over a final event's content.
// Non-final events pass through. A blocked or failed reply turns into
// an error event rather than leaking the unfiltered text.
func filterFinal(ctx context.Context, filter extensions.MessageFilter, ev datatypes.StreamEvent) datatypes.StreamEvent {
	if ev.Kind != datatypes.EventFinal {
		return ev
	}
	res, err := filter.FilterOutput(ctx, ev.Content)
	if err != nil {
		return datatypes.NewErrorEvent("reply processing failed", ev.SessionID)
	}
	if res.WasBlocked {
		return datatypes.NewErrorEvent("reply blocked by content filter", ev.SessionID)
	}
	ev.Content = res.Filtered
	return ev
}

// streamEvents serves the turn as NDJSON, one event per line.
func streamEvents(c *gin.Context, events <-chan datatypes.StreamEvent, filter extensions.MessageFilter, metrics *observability.Metrics) {
	metrics.StreamStarted(observability.EndpointChat)
	defer metrics.StreamEnded(observability.EndpointChat)

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	flusher, _ := c.Writer.(http.Flusher)
	clientGone := c.Request.Context().Done()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			ev = filterFinal(c.Request.Context(), filter, ev)
			if err := enc.Encode(ev); err != nil {
				// The write path is dead; the manager's forwarder
				// drains the engine once our context is cancelled.
				metrics.RecordClientDisconnect(observability.EndpointChat)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-clientGone:
			metrics.RecordClientDisconnect(observability.EndpointChat)
			return
		}
	}
}
