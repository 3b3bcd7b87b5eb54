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
	"fmt"
	"time"
)

// EpisodicChunk is a pruned slice of conversation archived as one unit.
//
// RawTurns persists the full content of the archived turns; Summary is
// the retrieval surface. A failed summarization leaves a placeholder
// summary, and the chunk stays reachable through its raw content.
type EpisodicChunk struct {
	ID        string    `json:"chunk_id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	RawTurns  []Turn    `json:"raw_turns"`
	Summary   string    `json:"summary"`
}

// Validate checks structural validity of the chunk. Every chunk must
// carry at least one raw turn; an empty archive is never written.
func (c *EpisodicChunk) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("chunk id is empty")
	}
	if c.SessionID == "" {
		return fmt.Errorf("chunk %s: session id is empty", c.ID)
	}
	if c.UserID == "" {
		return fmt.Errorf("chunk %s: user id is empty", c.ID)
	}
	if len(c.RawTurns) == 0 {
		return fmt.Errorf("chunk %s: raw_turns is empty", c.ID)
	}
	return nil
}
