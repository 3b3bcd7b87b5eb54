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
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// postChat posts one turn and returns the decoded terminal event from a
// buffered response.
func postChat(t *testing.T, h *harness, body string) datatypes.StreamEvent {
	t.Helper()
	w := h.do(http.MethodPost, "/v1/chat", strings.NewReader(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var ev datatypes.StreamEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ev))
	return ev
}

func TestHandleChat_BufferedReturnsFinalEvent(t *testing.T) {
	h := newHarness(t, "hello there")

	ev := postChat(t, h, `{"message": "hi"}`)

	assert.Equal(t, datatypes.EventFinal, ev.Kind)
	assert.Equal(t, "hello there", ev.Content)
	assert.NotEmpty(t, ev.SessionID, "a minted session id must come back in the terminal event")
}

func TestHandleChat_ContinuesExistingSession(t *testing.T) {
	h := newHarness(t, "first", "second")

	first := postChat(t, h, `{"message": "hi"}`)
	second := postChat(t, h, `{"message": "again", "session_id": "`+first.SessionID+`"}`)

	assert.Equal(t, first.SessionID, second.SessionID)

	w := h.do(http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 1, "both turns must land in one session")
}

func TestHandleChat_StreamingWritesNDJSON(t *testing.T) {
	h := newHarness(t, "streamed answer")

	w := h.do(http.MethodPost, "/v1/chat", strings.NewReader(`{"message": "hi", "streaming": true}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var events []datatypes.StreamEvent
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "every line must be one JSON event")
		events = append(events, ev)
	}
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, datatypes.EventFinal, last.Kind)
	assert.Equal(t, "streamed answer", last.Content)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, datatypes.EventSystem, ev.Kind, "only the last event may be terminal")
	}
}

func TestHandleChat_ModelFailureYieldsErrorEvent(t *testing.T) {
	// No scripted replies: every model call fails.
	h := newHarness(t)

	ev := postChat(t, h, `{"message": "hi"}`)

	assert.Equal(t, datatypes.EventError, ev.Kind)
	assert.NotEmpty(t, ev.Error)
	assert.NotEmpty(t, ev.SessionID, "the session survives a failed turn")
}

func TestHandleChat_EmptyMessageRejected(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/chat", strings.NewReader(`{"message": ""}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_MalformedBodyRejected(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/chat", strings.NewReader(`{"message": `))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_NonUUIDSessionIDRejected(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/chat", strings.NewReader(`{"message": "hi", "session_id": "not-a-uuid"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_UnknownSessionNotFound(t *testing.T) {
	h := newHarness(t, "unused")

	w := h.do(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"message": "hi", "session_id": "7b0d2f1e-4a8c-4d2b-9a3f-1c5e8b9d0a21"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok"}`, w.Body.String())
}
