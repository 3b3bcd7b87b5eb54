// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation drives one user turn end to end.
//
// # Architecture
//
// The package splits the turn pipeline into four pieces. The codec
// (directives.go) parses the model's bracketed directive tokens out of
// its reply. The prompt builder (prompt_builder.go) assembles the
// system prompt from the contextual window, the rolling summary,
// episodic hits, web results, and the user's facts. The directive
// handler (directive_handler.go) executes parsed directives against
// the memory subsystem and the search gateway. The engine (this file)
// runs the per-turn state machine over all of them:
//
//	receive -> extract -> assemble -> call model -> parse -> handle
//	        -> (reassemble -> call model -> ...) -> finalize -> prune -> emit
//
// A turn is a producer goroutine writing StreamEvents to a bounded
// channel: zero or more system events, then exactly one terminal final
// or error event. The session manager (session_manager.go) owns engine
// lifecycles and hands callers the engine for their session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/episodic"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/facts"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/tunables"
	"github.com/AleutianAI/AleutianRecall/services/search"
)

var tracer = otel.Tracer("recall.conversation")

// The production memory components back the handler's narrow
// interfaces.
var (
	_ TierPromoter   = (*memory.TierManager)(nil)
	_ EpisodeArchive = (*episodic.Store)(nil)
)

const (
	// eventBuffer sizes a turn's event channel. Slow consumers block
	// the producer instead of growing memory.
	eventBuffer = 16

	// maxModelAttempts bounds the chat completion retry loop. Context
	// errors are never retried.
	maxModelAttempts = 3

	// titleMaxTokens caps the title generation reply.
	titleMaxTokens = 50
)

// modelRetryDelay spaces chat completion retries. Tests shorten it.
var modelRetryDelay = 2 * time.Second

// fallbackReply stands in when a turn ends with no user-facing text,
// for example a directive-only reply at the re-run cap.
const fallbackReply = "I wasn't able to compose a reply this turn."

// titlePrompt asks for a first-turn session title.
const titlePrompt = `Write a short title (at most six words) for a conversation that starts with this message. Respond with only the title, no quotes.

%s`

// =============================================================================
// Dependencies
// =============================================================================

// Deps bundles the process-wide collaborators every engine shares.
// One Deps value is built at startup and handed to the session
// manager; engines hold it by reference and add only per-session
// state.
type Deps struct {
	// Messages, Sessions, and Users are the persistence interfaces,
	// all backed by one BadgerStore in production.
	Messages memory.MessageStore
	Sessions memory.SessionStore
	Users    memory.UserStore

	// Tiers, Builder, and Pruner are the memory subsystem components
	// over Messages.
	Tiers   *memory.TierManager
	Builder *memory.ContextBuilder
	Pruner  *memory.Pruner

	// Episodes is the filesystem episodic archive.
	Episodes *episodic.Store

	// LLM is the chat completion gateway. Required.
	LLM llm.LLMClient

	// Search is the web search gateway. Nil disables web searches.
	Search search.Client

	// Knobs provides per-turn tunables snapshots. Nil means defaults.
	Knobs *tunables.Provider

	// Snapshots maintains per-session transcript and context files.
	// Nil disables snapshotting.
	Snapshots *SnapshotWriter

	// Metrics is nil-safe; a nil value records nothing.
	Metrics *observability.Metrics

	Log *slog.Logger
}

// normalize fills the optional dependencies.
func (d *Deps) normalize() {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Knobs == nil {
		d.Knobs = tunables.Static(tunables.Defaults())
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs turns for one (user, session) pair.
//
// # Description
//
// The engine owns the session's runtime context: the rolling summary
// and the turn count, restored from the context snapshot when the
// engine is rebuilt after an eviction or restart. ProcessTurn runs the
// full state machine; the mutex serializes turns so concurrent posts
// to one session observe arrival order.
//
// # Thread Safety
//
// Safe for concurrent use. Turns are serialized per engine; the shared
// Deps components are safe across engines.
type Engine struct {
	deps      *Deps
	userID    string
	sessionID string
	facts     *facts.Store
	handler   *DirectiveHandler
	extractor *facts.LLMExtractor
	log       *slog.Logger

	// mu is the per-session turn lock, held receive through emit.
	mu             sync.Mutex
	currentSummary string
	turnCount      int
}

// NewEngine builds the engine for one session and restores its
// persisted runtime context when a snapshot exists.
func NewEngine(deps *Deps, userID, sessionID string) *Engine {
	deps.normalize()
	log := deps.Log.With("user_id", userID, "session_id", sessionID)

	e := &Engine{
		deps:      deps,
		userID:    userID,
		sessionID: sessionID,
		facts:     facts.NewStore(deps.Users, userID, deps.Log),
		handler:   NewDirectiveHandler(deps.Tiers, deps.Episodes, deps.Search, deps.Metrics, deps.Log),
		extractor: facts.NewLLMExtractor(llm.PromptFunc(deps.LLM, lowTempParams(0)), log),
		log:       log,
	}
	if deps.Snapshots != nil {
		snap, err := deps.Snapshots.LoadContext(userID, sessionID)
		if err != nil {
			log.Warn("context snapshot unreadable, starting cold", "error", err.Error())
		} else {
			e.currentSummary = snap.CurrentSummary
			e.turnCount = snap.TurnCount
		}
	}
	return e
}

// SessionID returns the session this engine serves.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// UserID returns the owning user.
func (e *Engine) UserID() string {
	return e.userID
}

// ProcessTurn runs one turn and returns its event stream.
//
// # Description
//
// The returned channel yields zero or more system events followed by
// exactly one terminal event, then closes. When ctx is cancelled the
// turn stops at its next await point, persists nothing, and closes the
// channel without a terminal event.
//
// # Inputs
//
//   - ctx: The consumer's context. Its cancellation means the consumer
//     is gone; the per-turn time budget is layered on top of it.
//   - userInput: The user's message text.
//
// # Outputs
//
//   - <-chan datatypes.StreamEvent: The turn's event stream.
func (e *Engine) ProcessTurn(ctx context.Context, userInput string) <-chan datatypes.StreamEvent {
	out := make(chan datatypes.StreamEvent, eventBuffer)
	go func() {
		defer close(out)
		e.mu.Lock()
		defer e.mu.Unlock()
		e.runTurn(ctx, userInput, out)
	}()
	return out
}

// runTurn executes the state machine for one turn.
func (e *Engine) runTurn(parent context.Context, userInput string, out chan<- datatypes.StreamEvent) {
	start := time.Now()
	knobs := e.deps.Knobs.Current()

	ctx, cancel := context.WithTimeout(parent, knobs.TurnBudget())
	defer cancel()

	ctx, span := tracer.Start(ctx, "Engine.ProcessTurn",
		trace.WithAttributes(
			attribute.String("session.id", e.sessionID),
			attribute.String("user.id", e.userID)))
	defer span.End()

	emit := func(ev datatypes.StreamEvent) {
		select {
		case out <- ev:
		case <-parent.Done():
		}
	}

	// fail ends the turn. A gone consumer gets no event; an exceeded
	// turn budget becomes the timeout error regardless of where it was
	// noticed.
	fail := func(msg string) {
		elapsed := time.Since(start).Seconds()
		switch {
		case parent.Err() != nil:
			e.deps.Metrics.RecordTurn(observability.TurnStatusCancelled, elapsed)
			span.SetStatus(codes.Error, "cancelled")
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			emit(datatypes.NewErrorEvent("timeout: the turn exceeded its time budget", e.sessionID))
			e.deps.Metrics.RecordTurn(observability.TurnStatusTimeout, elapsed)
			span.SetStatus(codes.Error, "timeout")
		default:
			emit(datatypes.NewErrorEvent(msg, e.sessionID))
			e.deps.Metrics.RecordTurn(observability.TurnStatusError, elapsed)
			span.SetStatus(codes.Error, msg)
		}
	}

	// Receive.
	userInput = strings.TrimSpace(userInput)
	if userInput == "" {
		fail("message must not be empty")
		return
	}

	// Extract. The forget check runs before extraction so a forget
	// command is never re-remembered as the fact it names.
	if target, ok := facts.ParseForgetCommand(userInput); ok {
		reply, err := e.forgetReply(ctx, target)
		if err != nil {
			e.log.ErrorContext(ctx, "forget command failed", "error", err.Error())
			fail("could not update remembered facts")
			return
		}
		if err := e.finalize(ctx, userInput, reply, true); err != nil {
			e.log.ErrorContext(ctx, "turn persistence failed", "error", err.Error())
			fail("could not persist the turn")
			return
		}
		e.prune(ctx, knobs)
		emit(datatypes.NewFinalEvent(reply, e.sessionID))
		e.deps.Metrics.RecordTurn(observability.TurnStatusSuccess, time.Since(start).Seconds())
		return
	}
	if extracted := facts.ExtractDeterministic(userInput); len(extracted) > 0 {
		if _, err := e.facts.Remember(ctx, extracted...); err != nil {
			e.log.WarnContext(ctx, "deterministic fact save failed", "error", err.Error())
		}
	}

	// Assemble, call, parse, handle; re-run while directive effects
	// would show the model new context, up to the re-run cap.
	memo := NewTurnMemo()
	residual := ""
	rounds := 0
	for round := 0; ; round++ {
		rounds = round + 1
		prompt, err := e.assemble(ctx, userInput, knobs, memo)
		if err != nil {
			e.log.ErrorContext(ctx, "context assembly failed", "error", err.Error())
			fail("could not assemble conversation context")
			return
		}

		reply, err := e.callModel(ctx, prompt, userInput)
		if err != nil {
			e.log.ErrorContext(ctx, "model call failed", "attempts", maxModelAttempts, "error", err.Error())
			fail("the language model is unavailable right now")
			return
		}

		var directives []Directive
		residual, directives = ParseDirectives(reply)
		if len(directives) == 0 {
			break
		}
		for _, d := range directives {
			e.deps.Metrics.RecordDirective(string(d.Type))
		}

		needsRerun := e.handler.Handle(ctx, e.userID, e.sessionID, directives, knobs, memo, emit)
		if !needsRerun || round >= knobs.MaxReruns {
			break
		}
		e.deps.Metrics.RecordRerun()
	}
	span.SetAttributes(attribute.Int("turn.rounds", rounds))

	// The last await point. Nothing is persisted for an abandoned or
	// out-of-budget turn.
	if ctx.Err() != nil {
		fail("the turn was interrupted")
		return
	}

	// Finalize.
	residual = strings.TrimSpace(residual)
	if residual == "" {
		e.log.WarnContext(ctx, "model produced no user-facing text, using fallback reply")
		residual = fallbackReply
	}
	if err := e.finalize(ctx, userInput, residual, false); err != nil {
		e.log.ErrorContext(ctx, "turn persistence failed", "error", err.Error())
		fail("could not persist the turn")
		return
	}

	// Prune.
	e.prune(ctx, knobs)

	// Emit.
	emit(datatypes.NewFinalEvent(residual, e.sessionID))
	e.deps.Metrics.RecordTurn(observability.TurnStatusSuccess, time.Since(start).Seconds())
}

// =============================================================================
// Stages
// =============================================================================

// forgetReply executes an explicit forget command and words the
// acknowledgement.
func (e *Engine) forgetReply(ctx context.Context, target string) (string, error) {
	removed, err := e.facts.ForgetText(ctx, target)
	if err != nil {
		return "", err
	}
	if removed == 0 {
		return "I didn't have that remembered, so there's nothing to forget.", nil
	}
	return "Okay, I've forgotten that.", nil
}

// assemble builds the system prompt for one round.
func (e *Engine) assemble(ctx context.Context, userInput string, knobs tunables.Tunables, memo *TurnMemo) (string, error) {
	build, err := e.deps.Builder.Build(ctx, e.sessionID, userInput, knobs.ContextBudget)
	if err != nil {
		return "", err
	}
	factsText, err := e.facts.Format(ctx)
	if err != nil {
		e.log.WarnContext(ctx, "fact load failed, assembling without facts", "error", err.Error())
		factsText = ""
	}
	return BuildPrompt(PromptInputs{
		ContextBody:    build.Body,
		CurrentSummary: e.currentSummary,
		EpisodicHits:   memo.EpisodicHits,
		WebResults:     memo.WebResultsText(),
		Facts:          factsText,
	}), nil
}

// callModel runs the chat completion with bounded retries. Network
// failures are retried; context errors end the turn immediately.
func (e *Engine) callModel(ctx context.Context, prompt, userInput string) (string, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: userInput},
	}

	var lastErr error
	for attempt := 1; attempt <= maxModelAttempts; attempt++ {
		if attempt > 1 {
			e.log.InfoContext(ctx, "retrying model call",
				"attempt", attempt,
				"error", lastErr.Error())
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(modelRetryDelay):
			}
		}

		callStart := time.Now()
		reply, err := e.deps.LLM.Complete(ctx, messages, llm.GenerationParams{})
		e.deps.Metrics.RecordModelCall(observability.PurposeChat, time.Since(callStart).Seconds(), err == nil)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
	}
	return "", lastErr
}

// finalize persists the turn and updates the session's runtime state.
// Only the message write can fail the turn; everything after it is
// best-effort.
func (e *Engine) finalize(ctx context.Context, userInput, reply string, deterministicOnly bool) error {
	if _, _, err := e.deps.Tiers.StoreTurn(ctx, e.sessionID, e.userID, userInput,
		memory.TurnContent{Full: reply}); err != nil {
		return err
	}

	e.currentSummary = fmt.Sprintf("Last turn: user said %q; assistant replied %q.",
		memory.DeriveShort(userInput), memory.DeriveShort(reply))
	e.turnCount++
	e.snapshot(ctx, userInput, reply)

	if !deterministicOnly {
		e.extractFacts(ctx, userInput, reply)
	}
	if e.turnCount == 1 {
		if deterministicOnly {
			// The forget path makes no model calls; the fallback
			// title serves.
			e.saveTitle(ctx, "Chat: "+memory.DeriveShort(userInput))
		} else {
			e.setTitle(ctx, userInput)
		}
	}
	if err := e.deps.Sessions.TouchSession(ctx, e.sessionID, time.Now()); err != nil {
		e.log.WarnContext(ctx, "session touch failed", "error", err.Error())
	}
	return nil
}

// snapshot refreshes the session's transcript and context files.
func (e *Engine) snapshot(ctx context.Context, userInput, reply string) {
	if e.deps.Snapshots == nil {
		return
	}
	if err := e.deps.Snapshots.AppendTurn(e.userID, e.sessionID, datatypes.Turn{
		UserInput:       userInput,
		AssistantOutput: reply,
		Timestamp:       time.Now(),
	}); err != nil {
		e.log.WarnContext(ctx, "transcript snapshot failed", "error", err.Error())
	}
	if err := e.deps.Snapshots.WriteContext(ContextSnapshot{
		UserID:         e.userID,
		SessionID:      e.sessionID,
		CurrentSummary: e.currentSummary,
		TurnCount:      e.turnCount,
	}); err != nil {
		e.log.WarnContext(ctx, "context snapshot failed", "error", err.Error())
	}
}

// extractFacts runs the post-turn LLM fact extraction. Best-effort: a
// turn never fails over facts.
func (e *Engine) extractFacts(ctx context.Context, userInput, reply string) {
	callStart := time.Now()
	extracted, err := e.extractor.Extract(ctx, userInput, reply)
	e.deps.Metrics.RecordModelCall(observability.PurposeFacts, time.Since(callStart).Seconds(), err == nil)
	if err != nil {
		e.log.WarnContext(ctx, "fact extraction failed", "error", err.Error())
		return
	}
	if len(extracted) == 0 {
		return
	}
	added, err := e.facts.Remember(ctx, extracted...)
	if err != nil {
		e.log.WarnContext(ctx, "fact save failed", "error", err.Error())
		return
	}
	if added > 0 {
		e.log.InfoContext(ctx, "remembered new facts", "added", added)
	}
}

// setTitle names the session after its first turn.
func (e *Engine) setTitle(ctx context.Context, userInput string) {
	callStart := time.Now()
	reply, err := e.deps.LLM.Complete(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(titlePrompt, userInput)}},
		lowTempParams(titleMaxTokens))
	e.deps.Metrics.RecordModelCall(observability.PurposeTitle, time.Since(callStart).Seconds(), err == nil)

	title := ""
	if err != nil {
		e.log.WarnContext(ctx, "title generation failed", "error", err.Error())
	} else {
		title = sanitizeTitle(reply)
	}
	if title == "" {
		title = "Chat: " + memory.DeriveShort(userInput)
	}
	e.saveTitle(ctx, title)
}

// saveTitle persists a session title, best-effort.
func (e *Engine) saveTitle(ctx context.Context, title string) {
	if err := e.deps.Sessions.SetSessionTitle(ctx, e.sessionID, title); err != nil {
		e.log.WarnContext(ctx, "title save failed", "error", err.Error())
	}
}

// prune runs the post-turn pruning pass. Failures log and wait for the
// next turn.
func (e *Engine) prune(ctx context.Context, knobs tunables.Tunables) {
	result, err := e.deps.Pruner.Prune(ctx, e.sessionID, e.userID, memory.PruneLimits{
		Ceiling:     knobs.PruneCeiling,
		Headroom:    knobs.PruneHeadroom,
		RetainFloor: knobs.RetainFloor,
	})
	e.deps.Metrics.RecordPrune(result.Pruned, err)
	if err != nil {
		e.log.WarnContext(ctx, "prune pass failed", "error", err.Error())
	}
}

// =============================================================================
// Helpers
// =============================================================================

// lowTempParams builds near-deterministic generation params for the
// auxiliary calls (titles, fact extraction). maxTokens zero means no
// cap.
func lowTempParams(maxTokens int) llm.GenerationParams {
	temp := float32(0.2)
	p := llm.GenerationParams{Temperature: &temp}
	if maxTokens > 0 {
		p.MaxTokens = &maxTokens
	}
	return p
}

// sanitizeTitle reduces a model title reply to one plain line.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, `"'`)
	const maxTitleRunes = 80
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return strings.TrimSpace(title)
}
