// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRecall/pkg/extensions"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/observability"
)

// WSChatRequest is one turn request sent over the websocket. The shape
// mirrors the HTTP ChatRequest minus the streaming flag; websocket
// replies always stream.
type WSChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

var upgrader = websocket.Upgrader{
	// The API is bearer-authenticated; origin checks add nothing for
	// non-browser clients and break local tooling.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("websocket write failed", "error", err.Error())
	}
	return err
}

// HandleChatWS serves turns over a websocket connection.
//
// # Description
//
// The client sends WSChatRequest frames; the server answers each with
// the turn's StreamEvents as JSON frames, exactly the objects the
// NDJSON endpoint writes as lines. One turn runs at a time per
// connection; concurrency across connections is still governed by the
// session manager's per-user cap. Closing the connection mid-turn
// cancels the turn. The extension gates mirror the HTTP endpoint:
// blocked input answers as an error frame plus an audit event.
func HandleChatWS(mgr *conversation.SessionManager, opts extensions.ServiceOptions, metrics *observability.Metrics) gin.HandlerFunc {
	opts = opts.Normalized()
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err.Error())
			return
		}
		defer ws.Close()

		metrics.StreamStarted(observability.EndpointChatWS)
		defer metrics.StreamEnded(observability.EndpointChatWS)
		slog.Info("websocket client connected", "user_id", userID)

		for {
			var req WSChatRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("websocket client disconnected", "user_id", userID)
				return
			}
			if strings.TrimSpace(req.Message) == "" {
				if sendJSON(ws, datatypes.NewErrorEvent("message must not be empty", req.SessionID)) != nil {
					return
				}
				continue
			}
			if !serveWSTurn(c.Request.Context(), ws, mgr, opts, metrics, userID, req) {
				return
			}
		}
	}
}

// serveWSTurn runs one turn and forwards its events. Returns false when
// the connection is dead and the read loop should exit.
func serveWSTurn(parent context.Context, ws *websocket.Conn, mgr *conversation.SessionManager,
	opts extensions.ServiceOptions, metrics *observability.Metrics, userID string, req WSChatRequest) bool {

	// A write failure cancels the turn so the engine stops calling the
	// model for a client that is gone.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	filtered, ferr := opts.MessageFilter.FilterInput(ctx, req.Message)
	if ferr != nil {
		return sendJSON(ws, datatypes.NewErrorEvent("message processing failed", req.SessionID)) == nil
	}
	if filtered.WasBlocked {
		_ = opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "chat.blocked",
			Timestamp:    time.Now().UTC(),
			UserID:       userID,
			Action:       "send",
			ResourceType: "chat",
			ResourceID:   req.SessionID,
			Outcome:      "blocked",
			Metadata:     extensions.NewMetadata().Set("reason", filtered.BlockReason),
		})
		return sendJSON(ws, datatypes.NewErrorEvent(
			"message blocked by content filter: "+filtered.BlockReason, req.SessionID)) == nil
	}
	req.Message = filtered.Filtered

	events, _, err := mgr.ProcessTurn(ctx, userID, req.SessionID, req.Message)
	if err != nil {
		msg := "internal error"
		var f *datatypes.Fault
		if errors.As(err, &f) && f.Msg != "" {
			msg = f.Msg
		}
		return sendJSON(ws, datatypes.NewErrorEvent(msg, req.SessionID)) == nil
	}

	for ev := range events {
		ev = filterFinal(ctx, opts.MessageFilter, ev)
		if sendJSON(ws, ev) != nil {
			metrics.RecordClientDisconnect(observability.EndpointChatWS)
			cancel()
			// Drain so the turn can finish its cleanup.
			for range events {
			}
			return false
		}
	}
	return true
}
