// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// Session is one conversation thread. It owns its messages; deleting a
// session deletes its messages and episodic chunks.
type Session struct {
	ID             string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Title          string         `json:"title"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// User is the persistent per-user record. RememberedFacts is the durable
// fact list maintained by the fact store.
type User struct {
	UserID          string   `json:"user_id"`
	Username        string   `json:"username"`
	HashedPassword  string   `json:"hashed_password,omitempty"`
	RememberedFacts []string `json:"remembered_facts"`
}

// SessionInfo is the list-endpoint projection of a session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// SessionsResponse is the GET /sessions body.
type SessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// HistoryMessage is the transcript projection of a message. Content is
// always the full tier; tiers are a prompt-side concern.
type HistoryMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryResponse is the GET /sessions/{id}/history body.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
}

// MemoryResponse is the GET /memory body.
type MemoryResponse struct {
	UserProfileFacts []string `json:"user_profile_facts"`
}

// StatusResponse is the generic acknowledgement body.
type StatusResponse struct {
	Status string `json:"status"`
}
