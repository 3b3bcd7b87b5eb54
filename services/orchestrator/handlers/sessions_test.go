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
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

func TestListSessions_EmptyForNewUser(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Sessions)
}

func TestListSessions_AfterTurn(t *testing.T) {
	h := newHarness(t, "an answer")

	ev := postChat(t, h, `{"message": "hi"}`)

	w := h.do(http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, ev.SessionID, resp.Sessions[0].ID)
	assert.False(t, resp.Sessions[0].LastModified.IsZero())
}

func TestGetSessionHistory_ReturnsTranscript(t *testing.T) {
	h := newHarness(t, "an answer")

	ev := postChat(t, h, `{"message": "hi"}`)

	w := h.do(http.MethodGet, "/v1/sessions/"+ev.SessionID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, datatypes.RoleUser, resp.Messages[0].Role)
	assert.Equal(t, "hi", resp.Messages[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, resp.Messages[1].Role)
	assert.Equal(t, "an answer", resp.Messages[1].Content)
}

func TestGetSessionHistory_OtherUsersSessionHidden(t *testing.T) {
	h := newHarness(t)

	foreign := uuid.NewString()
	require.NoError(t, h.store.PutSession(context.Background(), datatypes.Session{
		ID:             foreign,
		UserID:         "someone-else",
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}))

	w := h.do(http.MethodGet, "/v1/sessions/"+foreign+"/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSessionHistory_UnknownSessionNotFound(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/v1/sessions/"+uuid.NewString()+"/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSessionHistory_InvalidIDRejected(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/v1/sessions/bad!id/history", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteSession_RemovesSession(t *testing.T) {
	h := newHarness(t, "an answer")

	ev := postChat(t, h, `{"message": "hi"}`)

	w := h.do(http.MethodDelete, "/v1/sessions/"+ev.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok"}`, w.Body.String())

	w = h.do(http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Sessions)

	w = h.do(http.MethodGet, "/v1/sessions/"+ev.SessionID+"/history", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSession_UnknownSessionNotFound(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodDelete, "/v1/sessions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSession_OtherUsersSessionHidden(t *testing.T) {
	h := newHarness(t)

	foreign := uuid.NewString()
	require.NoError(t, h.store.PutSession(context.Background(), datatypes.Session{
		ID:             foreign,
		UserID:         "someone-else",
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}))

	w := h.do(http.MethodDelete, "/v1/sessions/"+foreign, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
