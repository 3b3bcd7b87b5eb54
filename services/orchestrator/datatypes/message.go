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
// This file contains the core memory record: a dialogue message carrying
// three tiers of content. Tier 1 is a terse summary, Tier 2 a half-length
// condensation, Tier 3 the original text. The prompt assembler includes
// each message at its required tier; the model can raise that tier through
// the directive protocol.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// Roles
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a message authored by the end user.
	RoleUser Role = "user"

	// RoleAssistant is a message authored by the model.
	RoleAssistant Role = "assistant"

	// RoleSystem is an instruction or status message injected by the server.
	RoleSystem Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// Tiers
// =============================================================================

// Tier selects one of the three stored representations of a message.
type Tier int

const (
	// TierShort is the terse summary, typically under 50 characters.
	TierShort Tier = 1

	// TierMedium is the roughly half-length condensation.
	TierMedium Tier = 2

	// TierFull is the original content as produced or received.
	TierFull Tier = 3
)

// Valid reports whether the tier is within {1,2,3}.
func (t Tier) Valid() bool {
	return t >= TierShort && t <= TierFull
}

// =============================================================================
// Memory Status
// =============================================================================

// MemoryStatus determines whether a message participates in prompt assembly.
type MemoryStatus string

const (
	// MemoryContextual marks a message eligible for the contextual window.
	MemoryContextual MemoryStatus = "contextual"

	// MemoryEpisodic marks a message archived to the episodic store.
	// Episodic messages are reachable only through explicit recall.
	MemoryEpisodic MemoryStatus = "episodic"
)

// Valid reports whether the status is one of the known values.
func (s MemoryStatus) Valid() bool {
	return s == MemoryContextual || s == MemoryEpisodic
}

// =============================================================================
// Message
// =============================================================================

// Message is one dialogue turn atom with tiered content.
//
// # Description
//
// A Message carries all three tier representations plus the bookkeeping
// the memory subsystem needs: the minimum tier the prompt must use, the
// contextual/episodic status, and an importance score that shields the
// message from pruning.
//
// # Invariants
//
//   - len(ContentShort) <= len(ContentMedium) <= len(ContentFull)
//   - RequiredTier never decreases over the message's lifetime
//   - MemoryStatus is exactly one of contextual or episodic
//   - A recalled message has ImportanceScore >= 2 and WasRecalled set
//
// # Thread Safety
//
// Message is a value type; stores hand out copies. Mutation happens only
// through store operations, which serialize access.
type Message struct {
	// ID is the globally unique message identifier (UUID v4).
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// UserID is the owning user.
	UserID string `json:"user_id"`

	// Role is the message author: user, assistant, or system.
	Role Role `json:"role"`

	// Timestamp is the wall-clock creation time.
	Timestamp time.Time `json:"timestamp"`

	// ContentFull is the Tier 3 original text.
	ContentFull string `json:"content_full"`

	// ContentMedium is the Tier 2 half-length condensation.
	ContentMedium string `json:"content_medium"`

	// ContentShort is the Tier 1 terse summary.
	ContentShort string `json:"content_short"`

	// RequiredTier is the minimum tier the prompt assembler must use
	// when including this message. Monotonically non-decreasing.
	RequiredTier Tier `json:"required_tier"`

	// MemoryStatus is contextual or episodic.
	MemoryStatus MemoryStatus `json:"memory_status"`

	// ImportanceScore is a non-negative access counter. Higher scores
	// are pruned later.
	ImportanceScore int `json:"importance_score"`

	// WasRecalled is set when the message returned from the episodic
	// archive to the contextual window.
	WasRecalled bool `json:"was_recalled"`
}

// ContentAtTier returns the stored content for the given tier.
// Unknown tiers fall back to the full content.
func (m *Message) ContentAtTier(t Tier) string {
	switch t {
	case TierShort:
		return m.ContentShort
	case TierMedium:
		return m.ContentMedium
	default:
		return m.ContentFull
	}
}

// ContentAtRequiredTier returns the content at the message's required tier.
func (m *Message) ContentAtRequiredTier() string {
	return m.ContentAtTier(m.RequiredTier)
}

// Validate checks structural validity of the message record.
//
// # Outputs
//
//   - error: Non-nil when a field is missing or outside its domain.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is empty")
	}
	if m.SessionID == "" {
		return fmt.Errorf("message %s: session id is empty", m.ID)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("message %s: invalid role %q", m.ID, m.Role)
	}
	if !m.RequiredTier.Valid() {
		return fmt.Errorf("message %s: invalid required tier %d", m.ID, m.RequiredTier)
	}
	if !m.MemoryStatus.Valid() {
		return fmt.Errorf("message %s: invalid memory status %q", m.ID, m.MemoryStatus)
	}
	if m.ImportanceScore < 0 {
		return fmt.Errorf("message %s: negative importance score %d", m.ID, m.ImportanceScore)
	}
	return nil
}

// =============================================================================
// Turn
// =============================================================================

// Turn is one (user input, assistant output) pair. Turns are the unit of
// transcripts and of episodic chunk raw content.
type Turn struct {
	UserInput       string    `json:"user_input"`
	AssistantOutput string    `json:"assistant_output"`
	Timestamp       time.Time `json:"timestamp"`
}
