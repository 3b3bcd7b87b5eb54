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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRecall/pkg/validation"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/middleware"
)

// ListSessions lists the caller's sessions, most recently active first.
func ListSessions(sessions memory.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "ListSessions")
		defer span.End()

		userID := middleware.UserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		list, err := sessions.ListSessions(ctx, userID)
		if err != nil {
			abortWithFault(c, err)
			return
		}

		resp := datatypes.SessionsResponse{Sessions: make([]datatypes.SessionInfo, 0, len(list))}
		for _, s := range list {
			resp.Sessions = append(resp.Sessions, datatypes.SessionInfo{
				ID:           s.ID,
				Title:        s.Title,
				CreatedAt:    s.CreatedAt,
				LastModified: s.LastActivityAt,
			})
		}
		span.SetAttributes(attribute.Int("sessions.count", len(resp.Sessions)))
		c.JSON(http.StatusOK, resp)
	}
}

// GetSessionHistory returns a session's full transcript.
//
// # Description
//
// The transcript covers contextual and episodic messages alike, merged
// into one chronological list; archival is a prompt-budget concern and
// must not make history disappear from the API. Content is always the
// full tier. A session owned by another user reads as absent.
func GetSessionHistory(sessions memory.SessionStore, messages memory.MessageStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "GetSessionHistory")
		defer span.End()

		userID := middleware.UserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		sessionID := c.Param("sessionId")
		if err := validation.ValidateIdentifier(sessionID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		sess, err := sessions.GetSession(ctx, sessionID)
		if err != nil {
			abortWithFault(c, err)
			return
		}
		if sess.UserID != userID {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		contextual, err := messages.ListByStatus(ctx, sessionID, datatypes.MemoryContextual)
		if err != nil {
			abortWithFault(c, err)
			return
		}
		episodic, err := messages.ListByStatus(ctx, sessionID, datatypes.MemoryEpisodic)
		if err != nil {
			abortWithFault(c, err)
			return
		}

		merged := mergeChronological(episodic, contextual)
		resp := datatypes.HistoryResponse{Messages: make([]datatypes.HistoryMessage, 0, len(merged))}
		for _, m := range merged {
			resp.Messages = append(resp.Messages, datatypes.HistoryMessage{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.ContentFull,
				Timestamp: m.Timestamp,
			})
		}
		span.SetAttributes(attribute.Int("history.count", len(resp.Messages)))
		c.JSON(http.StatusOK, resp)
	}
}

// mergeChronological merges two timestamp-sorted message lists. Ties
// keep a's element first, which puts archived messages ahead of their
// contemporaries the way they were originally ordered.
func mergeChronological(a, b []datatypes.Message) []datatypes.Message {
	merged := make([]datatypes.Message, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Timestamp.After(b[j].Timestamp) {
			merged = append(merged, b[j])
			j++
		} else {
			merged = append(merged, a[i])
			i++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}

// DeleteSession removes a session, its messages, its episodic archive,
// and its snapshot files.
func DeleteSession(mgr *conversation.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "DeleteSession")
		defer span.End()

		userID := middleware.UserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		sessionID := c.Param("sessionId")
		if err := validation.ValidateIdentifier(sessionID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		if err := mgr.DeleteSession(ctx, userID, sessionID); err != nil {
			abortWithFault(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.StatusResponse{Status: "ok"})
	}
}
