// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/episodic"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/tunables"
	"github.com/AleutianAI/AleutianRecall/services/search"
)

// relaxedRetrieveLimit is the widened result cap for a deeper search.
const relaxedRetrieveLimit = 10

// EventSink receives progress events while directives execute. A nil
// sink discards events.
type EventSink func(datatypes.StreamEvent)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// TierPromoter is the slice of the tier manager the handler needs.
type TierPromoter interface {
	// Promote raises a message's required tier. Downgrades are ignored
	// upstream; NotFound and storage failures propagate.
	Promote(ctx context.Context, id string, level datatypes.Tier) error

	// RecallTurns re-persists fetched episodic turns as contextual
	// messages at full tier and returns the inserted ids.
	RecallTurns(ctx context.Context, sessionID, userID string, turns []datatypes.Turn) ([]string, error)
}

// EpisodeArchive is the slice of the episodic store the handler needs.
type EpisodeArchive interface {
	// Retrieve scores archived summaries against a query.
	Retrieve(ctx context.Context, query string, opts episodic.RetrieveOptions) ([]episodic.Hit, error)

	// FetchRaw loads the raw turns of one archived chunk.
	FetchRaw(ctx context.Context, userID, chunkID string) ([]datatypes.Turn, error)
}

// =============================================================================
// Turn Memo
// =============================================================================

// webBlock is one web search result set, kept with its query so multiple
// searches in a turn stay distinguishable in the prompt.
type webBlock struct {
	query string
	text  string
}

// searchRecord tracks what one episodic query has already done this turn.
type searchRecord struct {
	baseRan    bool
	relaxedRan bool
	hits       int
}

// TurnMemo accumulates directive effects across the rounds of one turn.
//
// # Description
//
// A turn can loop model call, parse, handle up to the re-run cap. The
// memo carries everything later rounds must see: episodic hits feed the
// next prompt, and the bookkeeping maps make repeated directives
// idempotent, so a model that re-emits the same token after a re-run
// cannot duplicate work or loop forever.
//
// # Thread Safety
//
// Not safe for concurrent use. A memo belongs to exactly one turn, and
// the engine serializes turns per session.
type TurnMemo struct {
	// EpisodicHits are the deduplicated retrieval results so far,
	// in discovery order.
	EpisodicHits []episodic.Hit

	webBlocks []webBlock
	webDone   map[string]bool
	fetched   map[string]bool
	promoted  map[string]datatypes.Tier
	searches  map[string]*searchRecord
}

// NewTurnMemo returns an empty memo for one turn.
func NewTurnMemo() *TurnMemo {
	return &TurnMemo{
		webDone:  make(map[string]bool),
		fetched:  make(map[string]bool),
		promoted: make(map[string]datatypes.Tier),
		searches: make(map[string]*searchRecord),
	}
}

// WebResultsText renders the accumulated web results for the prompt.
// A single search is passed through as-is; multiple searches get per
// query headers.
func (m *TurnMemo) WebResultsText() string {
	switch len(m.webBlocks) {
	case 0:
		return ""
	case 1:
		return m.webBlocks[0].text
	}
	parts := make([]string, 0, len(m.webBlocks))
	for _, b := range m.webBlocks {
		parts = append(parts, fmt.Sprintf("Results for %q:\n%s", b.query, b.text))
	}
	return strings.Join(parts, "\n\n")
}

func (m *TurnMemo) hasChunk(chunkID string) bool {
	for _, h := range m.EpisodicHits {
		if h.ChunkID == chunkID {
			return true
		}
	}
	return false
}

// addHits appends hits the memo has not seen yet and reports how many
// were new.
func (m *TurnMemo) addHits(hits []episodic.Hit) int {
	added := 0
	for _, h := range hits {
		if m.hasChunk(h.ChunkID) {
			continue
		}
		m.EpisodicHits = append(m.EpisodicHits, h)
		added++
	}
	return added
}

// =============================================================================
// Directive Handler
// =============================================================================

// DirectiveHandler executes parsed directives against the memory
// subsystem and the search gateway.
//
// # Description
//
// Tier requests are coalesced to the per-message maximum before any is
// applied. Episodic searches run against the archive and, when the
// model also asked to search deeper, zero-hit queries are retried with
// the session scope dropped, the threshold halved, and the limit
// widened. Web searches emit active and complete (or error) progress
// events around the gateway call. Episode fetches re-inject a chunk's
// raw turns through the tier manager.
//
// Every failure here is a warning, not a turn failure: the model simply
// re-runs (or finalizes) without the requested enrichment.
//
// # Thread Safety
//
// Safe for concurrent use across turns; all per-turn state lives in the
// TurnMemo.
type DirectiveHandler struct {
	tiers    TierPromoter
	episodes EpisodeArchive
	search   search.Client
	metrics  *observability.Metrics
	log      *slog.Logger
}

// NewDirectiveHandler builds a DirectiveHandler. A nil search client
// disables web searches; directives asking for one are dropped with a
// warning.
func NewDirectiveHandler(tiers TierPromoter, episodes EpisodeArchive, searcher search.Client, metrics *observability.Metrics, log *slog.Logger) *DirectiveHandler {
	if log == nil {
		log = slog.Default()
	}
	return &DirectiveHandler{
		tiers:    tiers,
		episodes: episodes,
		search:   searcher,
		metrics:  metrics,
		log:      log,
	}
}

// Handle executes one round of directives and reports whether their
// effects call for another model pass.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - userID, sessionID: The turn's scope.
//   - directives: Codec output in discovery order.
//   - knobs: The turn's tunables snapshot.
//   - memo: Cross-round state for this turn.
//   - emit: Progress event sink; nil discards.
//
// # Outputs
//
//   - bool: True when a re-run would show the model new context: a tier
//     was raised, an episodic search returned content, an episode was
//     injected, or a web search ran (successfully or not).
func (h *DirectiveHandler) Handle(ctx context.Context, userID, sessionID string, directives []Directive, knobs tunables.Tunables, memo *TurnMemo, emit EventSink) bool {
	if emit == nil {
		emit = func(datatypes.StreamEvent) {}
	}

	pending, deeper := h.coalesceTierRequests(ctx, directives, memo)

	needsRerun := false
	for _, d := range directives {
		switch d.Type {
		case DirectiveRequestTier:
			if h.applyPromotion(ctx, d.MessageID, pending, memo) {
				needsRerun = true
			}
		case DirectiveSearchEpisodic:
			if h.runEpisodic(ctx, userID, sessionID, d.Query, knobs, memo, emit, false) {
				needsRerun = true
			}
		case DirectiveWebSearch:
			if h.runWebSearch(ctx, sessionID, d.Query, memo, emit) {
				needsRerun = true
			}
		case DirectiveFetchEpisode:
			if h.runFetch(ctx, userID, sessionID, d.ChunkID, memo) {
				needsRerun = true
			}
		case DirectiveSearchDeeper:
			// Applied below as a modifier on zero-hit searches.
		}
	}

	if deeper {
		if len(memo.searches) == 0 {
			h.log.WarnContext(ctx, "deeper search directive without any episodic query this turn",
				"session_id", sessionID)
		}
		for query, rec := range memo.searches {
			if rec.hits == 0 && !rec.relaxedRan {
				if h.runEpisodic(ctx, userID, sessionID, query, knobs, memo, emit, true) {
					needsRerun = true
				}
			}
		}
	}

	return needsRerun
}

// coalesceTierRequests reduces tier directives to one pending promotion
// per message id at the maximum requested level, dropping invalid levels
// and requests an earlier round already satisfied.
func (h *DirectiveHandler) coalesceTierRequests(ctx context.Context, directives []Directive, memo *TurnMemo) (map[string]datatypes.Tier, bool) {
	pending := make(map[string]datatypes.Tier)
	deeper := false
	for _, d := range directives {
		switch d.Type {
		case DirectiveRequestTier:
			if d.MessageID == "" {
				continue
			}
			if !d.Tier.Valid() {
				h.log.WarnContext(ctx, "ignoring tier request outside 1..3",
					"message_id", d.MessageID,
					"requested_tier", int(d.Tier),
					"raw", d.Raw)
				continue
			}
			if d.Tier > pending[d.MessageID] {
				pending[d.MessageID] = d.Tier
			}
		case DirectiveSearchDeeper:
			deeper = true
		}
	}
	for id, level := range pending {
		if prev, ok := memo.promoted[id]; ok && prev >= level {
			delete(pending, id)
		}
	}
	return pending, deeper
}

// applyPromotion applies the coalesced promotion for one message id the
// first time that id appears in the round.
func (h *DirectiveHandler) applyPromotion(ctx context.Context, messageID string, pending map[string]datatypes.Tier, memo *TurnMemo) bool {
	level, ok := pending[messageID]
	if !ok {
		return false
	}
	delete(pending, messageID)

	if err := h.tiers.Promote(ctx, messageID, level); err != nil {
		h.log.WarnContext(ctx, "tier promotion failed",
			"message_id", messageID,
			"requested_tier", int(level),
			"error", err)
		return false
	}
	memo.promoted[messageID] = level
	return true
}

// runEpisodic executes one episodic search, relaxed or not, and records
// it in the memo. Returns true when new hits were added.
func (h *DirectiveHandler) runEpisodic(ctx context.Context, userID, sessionID, query string, knobs tunables.Tunables, memo *TurnMemo, emit EventSink, relaxed bool) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		h.log.WarnContext(ctx, "ignoring episodic search with empty query", "session_id", sessionID)
		return false
	}

	rec := memo.searches[query]
	if rec == nil {
		rec = &searchRecord{}
		memo.searches[query] = rec
	}
	if (relaxed && rec.relaxedRan) || (!relaxed && rec.baseRan) {
		return false
	}

	threshold := episodic.ThresholdWith(query, knobs.EpisodicThresholdShort, knobs.EpisodicThresholdLong)
	opts := episodic.RetrieveOptions{
		UserID:    userID,
		SessionID: sessionID,
		Limit:     knobs.EpisodicLimit,
		Threshold: threshold,
	}
	if relaxed {
		opts.SessionID = ""
		opts.Threshold = threshold / 2
		opts.Limit = relaxedRetrieveLimit
	}

	emit(datatypes.NewSystemEvent(datatypes.ActionEpisodicSearch, datatypes.PhaseActive, query, "", sessionID))

	hits, err := h.episodes.Retrieve(ctx, query, opts)
	h.metrics.RecordEpisodicSearch(len(hits), err)
	if err != nil {
		h.log.WarnContext(ctx, "episodic search failed",
			"query", query,
			"relaxed", relaxed,
			"error", err)
		emit(datatypes.NewSystemEvent(datatypes.ActionEpisodicSearch, datatypes.PhaseError, query, "episodic search failed", sessionID))
		return false
	}

	if relaxed {
		rec.relaxedRan = true
	} else {
		rec.baseRan = true
	}
	rec.hits += len(hits)

	added := memo.addHits(hits)
	content := fmt.Sprintf("%d archived conversations matched", len(hits))
	if len(hits) == 0 {
		content = "no archived conversations matched"
	}
	emit(datatypes.NewSystemEvent(datatypes.ActionEpisodicSearch, datatypes.PhaseComplete, query, content, sessionID))
	return added > 0
}

// runWebSearch executes one web search with active/complete/error
// progress events. Failures still return true: the model must re-run to
// tell the user the search could not be completed.
func (h *DirectiveHandler) runWebSearch(ctx context.Context, sessionID, query string, memo *TurnMemo, emit EventSink) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		h.log.WarnContext(ctx, "ignoring web search with empty query", "session_id", sessionID)
		return false
	}
	if h.search == nil {
		h.log.WarnContext(ctx, "web search requested but no search gateway configured", "query", query)
		return false
	}
	if memo.webDone[query] {
		return false
	}
	memo.webDone[query] = true

	emit(datatypes.NewSystemEvent(datatypes.ActionWebSearch, datatypes.PhaseActive, query, "", sessionID))

	text, err := h.search.Search(ctx, query, search.DefaultMaxResults)
	h.metrics.RecordWebSearch(err == nil)
	if err != nil {
		h.log.WarnContext(ctx, "web search failed",
			"query", query,
			"error", err)
		emit(datatypes.NewSystemEvent(datatypes.ActionWebSearch, datatypes.PhaseError, query, "web search failed", sessionID))
		memo.webBlocks = append(memo.webBlocks, webBlock{
			query: query,
			text: fmt.Sprintf("The live web search for %q failed. Answer from what you already know and tell the user the search could not be completed.",
				query),
		})
		return true
	}

	emit(datatypes.NewSystemEvent(datatypes.ActionWebSearch, datatypes.PhaseComplete, query, text, sessionID))
	memo.webBlocks = append(memo.webBlocks, webBlock{query: query, text: text})
	return true
}

// runFetch injects one archived chunk's raw turns back into the
// contextual window. Returns true when turns were injected.
func (h *DirectiveHandler) runFetch(ctx context.Context, userID, sessionID, chunkID string, memo *TurnMemo) bool {
	if chunkID == "" || memo.fetched[chunkID] {
		return false
	}

	turns, err := h.episodes.FetchRaw(ctx, userID, chunkID)
	if err != nil {
		h.log.WarnContext(ctx, "episode fetch failed",
			"chunk_id", chunkID,
			"error", err)
		return false
	}

	// Marked before recall so a partial insert is never retried into
	// duplicates by a later round.
	memo.fetched[chunkID] = true
	if len(turns) == 0 {
		return false
	}

	if _, err := h.tiers.RecallTurns(ctx, sessionID, userID, turns); err != nil {
		h.log.WarnContext(ctx, "episode recall failed",
			"chunk_id", chunkID,
			"error", err)
		return false
	}
	return true
}
