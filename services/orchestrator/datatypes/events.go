// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file defines the streaming event envelope. A turn produces zero or
// more system events followed by exactly one terminal event (final or
// error). Transports serialize these as NDJSON lines or websocket frames.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Event Kinds
// =============================================================================

// EventKind distinguishes progress updates from terminal events.
type EventKind string

const (
	// EventSystem is a non-terminal progress update.
	EventSystem EventKind = "system"

	// EventFinal is the single successful terminal event of a turn.
	EventFinal EventKind = "final"

	// EventError is the single failed terminal event of a turn.
	EventError EventKind = "error"
)

// SystemAction names the tool activity a system event reports on.
type SystemAction string

const (
	// ActionWebSearch reports web search gateway activity.
	ActionWebSearch SystemAction = "web_search"

	// ActionEpisodicSearch reports episodic archive retrieval activity.
	ActionEpisodicSearch SystemAction = "episodic_search"
)

// SystemPhase is the lifecycle phase of a tool activity.
type SystemPhase string

const (
	// PhaseActive is emitted when the tool call starts.
	PhaseActive SystemPhase = "active"

	// PhaseComplete is emitted when the tool call succeeds.
	PhaseComplete SystemPhase = "complete"

	// PhaseError is emitted when the tool call fails. The turn itself
	// continues; tool failures are not terminal.
	PhaseError SystemPhase = "error"
)

// =============================================================================
// Stream Event
// =============================================================================

// StreamEvent is one line of the turn's event stream.
//
// Shapes by kind:
//
//	{kind:"system", action, phase, query, content, timestamp, session_id, id}
//	{kind:"final", content, session_id, timestamp}
//	{kind:"error", error, session_id, timestamp}
type StreamEvent struct {
	Kind      EventKind    `json:"kind"`
	Action    SystemAction `json:"action,omitempty"`
	Phase     SystemPhase  `json:"phase,omitempty"`
	Query     string       `json:"query,omitempty"`
	Content   string       `json:"content,omitempty"`
	Error     string       `json:"error,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	ID        string       `json:"id,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventFinal || e.Kind == EventError
}

// NewSystemEvent builds a progress event with a fresh id and timestamp.
func NewSystemEvent(action SystemAction, phase SystemPhase, query, content, sessionID string) StreamEvent {
	return StreamEvent{
		Kind:      EventSystem,
		Action:    action,
		Phase:     phase,
		Query:     query,
		Content:   content,
		SessionID: sessionID,
		ID:        generateUUID(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewFinalEvent builds the successful terminal event.
func NewFinalEvent(content, sessionID string) StreamEvent {
	return StreamEvent{
		Kind:      EventFinal,
		Content:   content,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewErrorEvent builds the failed terminal event. The message should be
// short and already sanitized for end users.
func NewErrorEvent(message, sessionID string) StreamEvent {
	return StreamEvent{
		Kind:      EventError,
		Error:     message,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// generateUUID returns a new random UUID string.
func generateUUID() string {
	return uuid.NewString()
}
