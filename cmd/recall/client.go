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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// Client talks to the recall server's HTTP API. Response shapes are the
// server's own datatypes, so client and server cannot drift apart.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client from the CLI configuration. Chat requests
// carry no client-side timeout; a turn legitimately takes as long as
// the model takes, and the context bounds everything else.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// apiError extracts the server's {"error": "..."} body into an error.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("server: %s (HTTP %d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// =============================================================================
// Chat
// =============================================================================

// Chat runs one turn and returns the terminal event.
//
// # Description
//
// With streaming enabled the server answers NDJSON; every non-terminal
// event is handed to onEvent as it arrives so the caller can show
// progress while the model works. Buffered mode returns the terminal
// event directly and onEvent is never called. A nil onEvent discards
// progress events.
func (c *Client) Chat(ctx context.Context, sessionID, message string, streaming bool,
	onEvent func(datatypes.StreamEvent)) (datatypes.StreamEvent, error) {

	payload, err := json.Marshal(datatypes.ChatRequest{
		Message:   message,
		SessionID: sessionID,
		Streaming: streaming,
	})
	if err != nil {
		return datatypes.StreamEvent{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/chat", bytes.NewReader(payload))
	if err != nil {
		return datatypes.StreamEvent{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return datatypes.StreamEvent{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return datatypes.StreamEvent{}, apiError(resp)
	}

	if !streaming {
		var ev datatypes.StreamEvent
		if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
			return datatypes.StreamEvent{}, fmt.Errorf("decoding response: %w", err)
		}
		return ev, nil
	}
	return readEventStream(resp.Body, onEvent)
}

// readEventStream consumes NDJSON lines until the terminal event.
func readEventStream(r io.Reader, onEvent func(datatypes.StreamEvent)) (datatypes.StreamEvent, error) {
	scanner := bufio.NewScanner(r)
	// Final events carry whole answers; size the line buffer for them.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev datatypes.StreamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return datatypes.StreamEvent{}, fmt.Errorf("malformed event line: %w", err)
		}
		if ev.Terminal() {
			return ev, nil
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return datatypes.StreamEvent{}, err
	}
	return datatypes.StreamEvent{}, fmt.Errorf("stream ended without a terminal event")
}

// =============================================================================
// Sessions, memory, health
// =============================================================================

// ListSessions returns the caller's sessions, most recent first.
func (c *Client) ListSessions(ctx context.Context) (datatypes.SessionsResponse, error) {
	var resp datatypes.SessionsResponse
	err := c.getJSON(ctx, "/v1/sessions", &resp)
	return resp, err
}

// History returns a session's full transcript.
func (c *Client) History(ctx context.Context, sessionID string) (datatypes.HistoryResponse, error) {
	var resp datatypes.HistoryResponse
	err := c.getJSON(ctx, "/v1/sessions/"+sessionID+"/history", &resp)
	return resp, err
}

// DeleteSession removes a session and everything stored under it.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// Memory returns the remembered facts for the caller.
func (c *Client) Memory(ctx context.Context) (datatypes.MemoryResponse, error) {
	var resp datatypes.MemoryResponse
	err := c.getJSON(ctx, "/v1/memory", &resp)
	return resp, err
}

// Health probes the unauthenticated liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	var resp datatypes.StatusResponse
	if err := c.getJSON(ctx, "/health", &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", resp.Status)
	}
	return nil
}
