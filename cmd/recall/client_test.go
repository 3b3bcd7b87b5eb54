// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewClient(Config{ServerURL: srv.URL, Token: "test-token"})
	return client, srv
}

func TestClientChat_StreamingForwardsProgressEvents(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req datatypes.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Streaming)
		assert.Equal(t, "hello", req.Message)

		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		require.NoError(t, enc.Encode(datatypes.NewSystemEvent(
			datatypes.ActionWebSearch, datatypes.PhaseActive, "weather in juneau", "", "s-1")))
		require.NoError(t, enc.Encode(datatypes.NewFinalEvent("rainy, as usual", "s-1")))
	}))
	defer srv.Close()

	var progress []datatypes.StreamEvent
	terminal, err := client.Chat(context.Background(), "", "hello", true,
		func(ev datatypes.StreamEvent) { progress = append(progress, ev) })
	require.NoError(t, err)

	assert.Equal(t, datatypes.EventFinal, terminal.Kind)
	assert.Equal(t, "rainy, as usual", terminal.Content)
	assert.Equal(t, "s-1", terminal.SessionID)

	require.Len(t, progress, 1)
	assert.Equal(t, datatypes.ActionWebSearch, progress[0].Action)
	assert.Equal(t, "weather in juneau", progress[0].Query)
}

func TestClientChat_BufferedDecodesTerminalEvent(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req datatypes.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Streaming)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(datatypes.NewFinalEvent("buffered answer", "s-2")))
	}))
	defer srv.Close()

	terminal, err := client.Chat(context.Background(), "", "hello", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "buffered answer", terminal.Content)
}

func TestClientChat_ErrorEventIsTerminal(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		require.NoError(t, json.NewEncoder(w).Encode(
			datatypes.NewErrorEvent("model backend unavailable", "s-3")))
	}))
	defer srv.Close()

	terminal, err := client.Chat(context.Background(), "", "hello", true, nil)
	require.NoError(t, err)
	assert.Equal(t, datatypes.EventError, terminal.Kind)
	assert.Equal(t, "model backend unavailable", terminal.Error)
}

func TestClientChat_HTTPErrorMapsServerMessage(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
	}))
	defer srv.Close()

	_, err := client.Chat(context.Background(), "", "hello", true, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
	assert.Contains(t, err.Error(), "404")
}

func TestClientChat_TruncatedStreamIsAnError(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		require.NoError(t, json.NewEncoder(w).Encode(datatypes.NewSystemEvent(
			datatypes.ActionWebSearch, datatypes.PhaseActive, "q", "", "s-4")))
		// Connection drops before the terminal event.
	}))
	defer srv.Close()

	_, err := client.Chat(context.Background(), "", "hello", true, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")
}

func TestClientListSessions(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions", r.URL.Path)
		_ = json.NewEncoder(w).Encode(datatypes.SessionsResponse{
			Sessions: []datatypes.SessionInfo{
				{ID: "s-1", Title: "Trip Planning"},
				{ID: "s-2", Title: "Sourdough Debugging"},
			},
		})
	}))
	defer srv.Close()

	resp, err := client.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, "Trip Planning", resp.Sessions[0].Title)
}

func TestClientDeleteSession_NotFound(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
	}))
	defer srv.Close()

	err := client.DeleteSession(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestClientMemory(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/memory", r.URL.Path)
		_ = json.NewEncoder(w).Encode(datatypes.MemoryResponse{
			UserProfileFacts: []string{"allergic to shellfish"},
		})
	}))
	defer srv.Close()

	resp, err := client.Memory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"allergic to shellfish"}, resp.UserProfileFacts)
}

func TestClientHealth(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(datatypes.StatusResponse{Status: "ok"})
	}))
	defer srv.Close()

	assert.NoError(t, client.Health(context.Background()))
}
