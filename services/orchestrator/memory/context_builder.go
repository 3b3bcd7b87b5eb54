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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// DefaultContextBudget is the token budget for one assembled context
// body when no tunable overrides it.
const DefaultContextBudget = 4000

// contextPreamble explains the memory rendering and the directive
// grammar to the model. It is always emitted, even at budget zero, and
// its token cost is reserved before any history is admitted.
const contextPreamble = `Earlier conversation appears below. To save space, messages are shown in condensed form; each line starts with a bracket naming the message id. If a condensed message looks relevant, request more of it by including [REQUEST_TIER:<level>:<message_id>] in your reply, where level 2 is half detail and level 3 is the original text. Conversation older than what is shown has been archived: find it with [SEARCH_EPISODIC:<query>], load an archived episode with [FETCH_EPISODE:<chunk_id>], or widen an empty search with [SEARCH_DEEPER_EPISODIC]. To consult the web, include [SEARCH: <query>].`

// recalledHeader labels content brought back from the archive.
const recalledHeader = "RECALLED_EPISODES:"

// currentMessageLabel prefixes the verbatim user input.
const currentMessageLabel = "CURRENT_MESSAGE: "

// =============================================================================
// Serialization
// =============================================================================

// serializeMessage renders one message line for the context body.
//
// Messages at tier 1 carry only their id so the model can ask for more;
// higher tiers carry the full metadata block because their content is
// substantial enough to need attribution and ordering cues.
func serializeMessage(m *datatypes.Message) string {
	content := m.ContentAtRequiredTier()
	if m.RequiredTier > datatypes.TierShort {
		return fmt.Sprintf("[id:%s tier:%d role:%s timestamp:%s] %s",
			m.ID, m.RequiredTier, m.Role, m.Timestamp.UTC().Format(time.RFC3339), content)
	}
	return fmt.Sprintf("[id:%s] %s", m.ID, content)
}

// =============================================================================
// Context Builder
// =============================================================================

// BuildResult is one assembled context body plus its accounting.
type BuildResult struct {
	// Body is the assembled text: preamble, chronological history,
	// recalled episodes, then the verbatim current message.
	Body string

	// IncludedIDs lists the ids of the history messages that made it
	// into the body, oldest first.
	IncludedIDs []string

	// EstimatedTokens is the upper-bound token estimate of Body.
	EstimatedTokens int

	// Dropped counts contextual messages that did not fit.
	Dropped int
}

// ContextBuilder assembles the token-bounded conversation context.
//
// # Description
//
// The builder walks contextual messages newest-first, admitting each at
// its required tier while the budget lasts. A higher-tier message that
// does not fit may evict already-admitted lower-tier messages, lowest
// tier first and oldest first within a tier, so detail the model asked
// for is preferentially retained. Admitted messages are emitted in
// chronological order, recalled episodes after them, and the current
// user input last, verbatim.
//
// # Invariants
//
//   - The estimated token total of the body never exceeds the budget,
//     except that the preamble and the current message are always
//     emitted even when the budget cannot cover them.
//   - Once enough recent messages fit, they form a contiguous
//     chronological suffix of the session.
//
// # Thread Safety
//
// Safe for concurrent use; the builder holds no per-call state.
type ContextBuilder struct {
	store MessageStore
	log   *slog.Logger
}

// NewContextBuilder builds a ContextBuilder over the given store.
func NewContextBuilder(store MessageStore, log *slog.Logger) *ContextBuilder {
	if log == nil {
		log = slog.Default()
	}
	return &ContextBuilder{store: store, log: log}
}

// candidate is one fetched message with its serialization cost. idx is
// the position in the newest-first fetch order, so a larger idx means an
// older message.
type candidate struct {
	idx  int
	msg  *datatypes.Message
	line string
	cost int
}

// Build assembles the context body for one turn.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - sessionID: The session whose contextual window is assembled.
//   - currentMessage: The user input of the turn, emitted verbatim.
//   - budget: Token budget for the whole body. Values below zero are
//     treated as zero; zero yields only the preamble and current
//     message.
//
// # Outputs
//
//   - BuildResult: The body plus inclusion accounting.
//   - error: KindStorage when the message fetch fails.
func (b *ContextBuilder) Build(ctx context.Context, sessionID, currentMessage string, budget int) (BuildResult, error) {
	if budget < 0 {
		budget = 0
	}

	// Fixed pieces are reserved first. Per-piece estimates are summed
	// rather than re-measured on the final string; ceil is subadditive,
	// so the sum upper-bounds the real estimate.
	currentPiece := ""
	if currentMessage != "" {
		currentPiece = currentMessageLabel + currentMessage
	}
	reserved := EstimateTokens(contextPreamble+"\n\n") +
		EstimateTokens(recalledHeader+"\n") +
		EstimateTokens(currentPiece+"\n")
	remaining := budget - reserved

	msgs, err := b.store.ListContextual(ctx, sessionID, 0)
	if err != nil {
		return BuildResult{}, err
	}

	var included []candidate
	for i := range msgs {
		m := &msgs[i]
		line := serializeMessage(m)
		cand := candidate{idx: i, msg: m, line: line, cost: EstimateTokens(line + "\n")}

		if cand.cost <= remaining {
			included = append(included, cand)
			remaining -= cand.cost
			continue
		}
		if m.RequiredTier > datatypes.TierShort {
			freed, evict := planEviction(included, cand.msg.RequiredTier, cand.cost-remaining)
			if freed >= cand.cost-remaining {
				included = removeCandidates(included, evict)
				remaining += freed - cand.cost
				included = append(included, cand)
				continue
			}
		}
		// Does not fit and nothing lower-tier to displace.
	}

	// Chronological means reversing the newest-first walk order.
	sort.Slice(included, func(i, j int) bool { return included[i].idx > included[j].idx })

	var history, recalled []candidate
	for _, c := range included {
		if c.msg.WasRecalled {
			recalled = append(recalled, c)
		} else {
			history = append(history, c)
		}
	}

	var sb strings.Builder
	sb.WriteString(contextPreamble)
	sb.WriteString("\n\n")
	for _, c := range history {
		sb.WriteString(c.line)
		sb.WriteString("\n")
	}
	if len(recalled) > 0 {
		sb.WriteString(recalledHeader)
		sb.WriteString("\n")
		for _, c := range recalled {
			sb.WriteString(c.line)
			sb.WriteString("\n")
		}
	}
	if currentPiece != "" {
		sb.WriteString("\n")
		sb.WriteString(currentPiece)
	}

	result := BuildResult{
		Body:            sb.String(),
		EstimatedTokens: reserved + sumCosts(included),
		Dropped:         len(msgs) - len(included),
	}
	for _, c := range included {
		result.IncludedIDs = append(result.IncludedIDs, c.msg.ID)
	}
	if result.Dropped > 0 {
		b.log.DebugContext(ctx, "context build dropped messages",
			"session_id", sessionID,
			"included", len(included),
			"dropped", result.Dropped,
			"budget", budget)
	}
	return result, nil
}

// planEviction selects already-included messages a higher-tier candidate
// may displace: strictly lower tier, lowest tier first, oldest first
// within a tier. It stops as soon as the freed cost covers the deficit.
// The selection is returned without being applied so a candidate that
// cannot fit even after full eviction displaces nothing.
func planEviction(included []candidate, tier datatypes.Tier, deficit int) (freed int, evict map[int]bool) {
	eligible := make([]candidate, 0, len(included))
	for _, c := range included {
		if c.msg.RequiredTier < tier {
			eligible = append(eligible, c)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].msg.RequiredTier != eligible[j].msg.RequiredTier {
			return eligible[i].msg.RequiredTier < eligible[j].msg.RequiredTier
		}
		return eligible[i].idx > eligible[j].idx
	})

	evict = make(map[int]bool)
	for _, c := range eligible {
		if freed >= deficit {
			break
		}
		evict[c.idx] = true
		freed += c.cost
	}
	return freed, evict
}

// removeCandidates filters out the evicted entries by fetch index.
func removeCandidates(included []candidate, evict map[int]bool) []candidate {
	kept := included[:0]
	for _, c := range included {
		if !evict[c.idx] {
			kept = append(kept, c)
		}
	}
	return kept
}

func sumCosts(cands []candidate) int {
	total := 0
	for _, c := range cands {
		total += c.cost
	}
	return total
}
