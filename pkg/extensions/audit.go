// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"time"
)

// AuditEvent is one security-relevant event on the chat surface.
//
// # Description
//
// The orchestrator's handlers emit these at the decision points an
// audit trail cares about: a denied authorization, a message blocked by
// the content filter, a turn admitted to a session. EventType follows
// the "category.action" form ("authz.denied", "chat.blocked",
// "chat.message") so downstream systems can filter and alert on it.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "chat.message",
//	    Timestamp:    time.Now().UTC(),
//	    UserID:       authInfo.UserID,
//	    Action:       "send",
//	    ResourceType: "chat",
//	    ResourceID:   sessionID,
//	    Outcome:      "success",
//	    Metadata:     NewMetadata().Set("request_id", req.RequestID),
//	}
type AuditEvent struct {
	// EventType categorizes the event, "category.action" form.
	EventType string

	// Timestamp is when the event occurred, in UTC. Implementations
	// fill a zero value with time.Now().UTC().
	Timestamp time.Time

	// UserID is who performed the action. "system" for automated
	// actions.
	UserID string

	// Action is the operation attempted: "send", "read", "delete".
	Action string

	// ResourceType is the resource category: "chat", "session",
	// "memory".
	ResourceType string

	// ResourceID names the resource instance, typically a session id.
	ResourceID string

	// Outcome is "success", "denied", "blocked", or "error".
	Outcome string

	// Metadata carries event-specific details: request ids, block
	// reasons, durations.
	Metadata Metadata
}

// AuditLogger records audit events.
//
// Implementations must be safe for concurrent use, and Log must return
// quickly; buffer internally and flush in batches when the sink is
// slow. The open source build uses NopAuditLogger, which discards
// everything; enterprise builds forward events to their SIEM or
// compliance store.
type AuditLogger interface {
	// Log records one event. Failures are the implementation's to
	// report; callers treat logging as best-effort and never fail the
	// request over it.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists any buffered events. Called once during graceful
	// shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events. The single-user local deployment
// keeps no audit trail.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

// Flush is a no-op; nothing is buffered.
func (l *NopAuditLogger) Flush(_ context.Context) error { return nil }

var _ AuditLogger = (*NopAuditLogger)(nil)
