// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// Default pruning limits. The headroom keeps consecutive turns from
// re-triggering the pruner for marginal overshoot; the floor keeps a
// minimum of recent conversation in every session.
const (
	DefaultPruneCeiling  = 30000
	DefaultPruneHeadroom = 5000
	DefaultRetainFloor   = 5
)

// PruneLimits parameterizes one prune pass.
type PruneLimits struct {
	// Ceiling is the contextual token estimate that triggers pruning.
	Ceiling int

	// Headroom is the extra amount pruned past the ceiling.
	Headroom int

	// RetainFloor is the minimum number of contextual messages a prune
	// must leave behind.
	RetainFloor int
}

// DefaultPruneLimits returns the stock limits.
func DefaultPruneLimits() PruneLimits {
	return PruneLimits{
		Ceiling:     DefaultPruneCeiling,
		Headroom:    DefaultPruneHeadroom,
		RetainFloor: DefaultRetainFloor,
	}
}

// PruneResult reports what one pass did.
type PruneResult struct {
	// Pruned is the number of messages archived. Zero means the session
	// was under its ceiling or too small to prune.
	Pruned int

	// ChunkID identifies the archived chunk when Pruned > 0.
	ChunkID string

	// EstimateBefore and EstimateAfter are the contextual token
	// estimates around the pass.
	EstimateBefore int
	EstimateAfter  int
}

// Archiver persists pruned chunks. The episodic store implements it; the
// narrow interface keeps the memory package free of archive internals
// and lets tests substitute a recorder.
type Archiver interface {
	// Archive persists a chunk and triggers its summarization. Only a
	// failure to persist is an error; summarization failures degrade to
	// a placeholder summary inside the store.
	Archive(ctx context.Context, chunk *datatypes.EpisodicChunk) error
}

// Pruner moves the oldest contextual messages into the episodic archive
// when a session's token estimate crosses its ceiling.
//
// # Description
//
// The pruner runs at the end of every turn. It estimates the contextual
// window at required tiers, and when the ceiling is crossed it collects
// oldest messages first until enough required-tier tokens are gathered
// to land the session at ceiling minus headroom. Messages with importance
// of two or more (recalled or repeatedly referenced) are passed over
// until nothing else remains. The collected turns are archived as one
// chunk, then flipped to episodic status in a single atomic update.
//
// # Failure Modes
//
// Any storage failure aborts the pass with no status change; the next
// turn retries. A chunk archived just before a failed status flip is
// orphaned, not lost, and the retry writes a fresh chunk.
//
// # Thread Safety
//
// Safe for concurrent use across sessions. Within a session the engine
// serializes turns, so passes never overlap.
type Pruner struct {
	store   MessageStore
	tiers   *TierManager
	archive Archiver
	log     *slog.Logger
}

// NewPruner builds a Pruner.
func NewPruner(store MessageStore, tiers *TierManager, archive Archiver, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{store: store, tiers: tiers, archive: archive, log: log}
}

// Prune runs one pass over a session.
func (p *Pruner) Prune(ctx context.Context, sessionID, userID string, limits PruneLimits) (PruneResult, error) {
	contextual, err := p.store.ListByStatus(ctx, sessionID, datatypes.MemoryContextual)
	if err != nil {
		return PruneResult{}, err
	}

	total := EstimateContextual(contextual)
	result := PruneResult{EstimateBefore: total, EstimateAfter: total}
	if total <= limits.Ceiling {
		return result, nil
	}

	need := total - limits.Ceiling + limits.Headroom
	collected := collectForPruning(contextual, need, limits.RetainFloor)
	if len(collected) == 0 {
		return result, nil
	}

	chunk := buildChunk(sessionID, userID, collected)
	if err := p.archive.Archive(ctx, chunk); err != nil {
		return result, err
	}

	ids := make([]string, len(collected))
	for i := range collected {
		ids[i] = collected[i].ID
	}
	if err := p.tiers.ToEpisodic(ctx, ids); err != nil {
		return result, err
	}

	result.Pruned = len(collected)
	result.ChunkID = chunk.ID
	result.EstimateAfter = total - EstimateContextual(collected)
	p.log.InfoContext(ctx, "pruned contextual window",
		"session_id", sessionID,
		"archived", result.Pruned,
		"chunk_id", chunk.ID,
		"estimate_before", result.EstimateBefore,
		"estimate_after", result.EstimateAfter)
	return result, nil
}

// collectForPruning picks the messages one pass archives.
//
// The walk is oldest first in two rounds: ordinary messages, then the
// high-importance ones that round one passed over. Collection stops when
// the required-tier estimates cover need or when taking more would leave
// fewer than floor contextual messages. Counting at required tiers keeps
// the collection in the same currency as the ceiling check, so one pass
// lands the session at or under ceiling minus headroom whenever the
// floor allows. The result preserves chronological order.
func collectForPruning(contextual []datatypes.Message, need, floor int) []datatypes.Message {
	maxTake := len(contextual) - floor
	if maxTake <= 0 {
		return nil
	}

	const importanceShield = 2

	taken := make(map[int]bool, maxTake)
	gathered := 0
	take := func(pass func(m *datatypes.Message) bool) {
		for i := range contextual {
			if gathered >= need || len(taken) >= maxTake {
				return
			}
			if taken[i] || !pass(&contextual[i]) {
				continue
			}
			taken[i] = true
			gathered += EstimateTokens(contextual[i].ContentAtRequiredTier())
		}
	}
	take(func(m *datatypes.Message) bool { return m.ImportanceScore < importanceShield })
	take(func(m *datatypes.Message) bool { return true })

	// When the boundary splits a turn, pull the assistant half along so
	// archived turns stay whole.
	for i := range contextual {
		if !taken[i] {
			continue
		}
		next := i + 1
		if contextual[i].Role == datatypes.RoleUser && next < len(contextual) &&
			!taken[next] && contextual[next].Role == datatypes.RoleAssistant &&
			len(taken) < maxTake {
			taken[next] = true
		}
	}

	collected := make([]datatypes.Message, 0, len(taken))
	for i := range contextual {
		if taken[i] {
			collected = append(collected, contextual[i])
		}
	}
	return collected
}

// buildChunk pairs the collected messages into raw turns.
func buildChunk(sessionID, userID string, collected []datatypes.Message) *datatypes.EpisodicChunk {
	chunk := &datatypes.EpisodicChunk{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: time.Now(),
	}

	for i := 0; i < len(collected); i++ {
		m := &collected[i]
		turn := datatypes.Turn{Timestamp: m.Timestamp}
		switch m.Role {
		case datatypes.RoleUser:
			turn.UserInput = m.ContentFull
			if i+1 < len(collected) && collected[i+1].Role == datatypes.RoleAssistant {
				turn.AssistantOutput = collected[i+1].ContentFull
				i++
			}
		case datatypes.RoleAssistant:
			turn.AssistantOutput = m.ContentFull
		default:
			// System messages archive on the assistant side.
			turn.AssistantOutput = m.ContentFull
		}
		chunk.RawTurns = append(chunk.RawTurns, turn)
	}
	return chunk
}
