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
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// =============================================================================
// Tier Derivation
// =============================================================================

// shortTierWords is how many leading words the Tier 1 default keeps.
const shortTierWords = 10

// DeriveShort builds the default Tier 1 content: the first few words of
// the full text, suffixed with an ellipsis when anything was cut.
func DeriveShort(full string) string {
	words := strings.Fields(full)
	if len(words) <= shortTierWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:shortTierWords], " ") + "..."
}

// DeriveMedium builds the default Tier 2 content: roughly the first half
// of the full text, cut at a word boundary.
func DeriveMedium(full string) string {
	words := strings.Fields(full)
	if len(words) <= 2 {
		return strings.Join(words, " ")
	}
	half := (len(words) + 1) / 2
	return strings.Join(words[:half], " ")
}

// fillTiers supplies defaults for missing tier contents and restores the
// tier length ordering when a model-supplied condensation breaks it.
func fillTiers(msg *datatypes.Message) {
	if msg.ContentMedium == "" || len(msg.ContentMedium) > len(msg.ContentFull) {
		msg.ContentMedium = DeriveMedium(msg.ContentFull)
	}
	if msg.ContentShort == "" || len(msg.ContentShort) > len(msg.ContentMedium) {
		msg.ContentShort = DeriveShort(msg.ContentFull)
	}
	// A ten-word short can still outgrow a two-word medium; collapse to
	// keep len(short) <= len(medium) <= len(full).
	if len(msg.ContentShort) > len(msg.ContentMedium) {
		msg.ContentShort = msg.ContentMedium
	}
}

// =============================================================================
// Tier Manager
// =============================================================================

// TurnContent carries one side of a turn into storage. Medium and Short
// are optional model-supplied condensations; empty fields get defaults
// derived from Full.
type TurnContent struct {
	Full   string
	Medium string
	Short  string
}

// TierManager is the write façade over the message store.
//
// # Description
//
// TierManager is the only component that creates message records. It
// guarantees every stored message carries all three tiers and that the
// tier length ordering holds, regardless of what the model supplied.
// It also owns the status transitions the pruner and the directive
// handler perform: demotion to episodic, recall back to contextual, and
// required-tier promotion.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the underlying store.
type TierManager struct {
	store MessageStore
	log   *slog.Logger
}

// NewTierManager builds a TierManager over the given store.
func NewTierManager(store MessageStore, log *slog.Logger) *TierManager {
	if log == nil {
		log = slog.Default()
	}
	return &TierManager{store: store, log: log}
}

// StoreMessage fills tier defaults and persists one message.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - msg: The message to store. ContentFull must be set; other tier
//     fields are derived when absent.
//
// # Outputs
//
//   - string: The stored message id.
//   - error: KindInvalidInput for structurally bad records, KindStorage
//     for database failures.
func (t *TierManager) StoreMessage(ctx context.Context, msg *datatypes.Message) (string, error) {
	fillTiers(msg)
	return t.store.Insert(ctx, msg)
}

// StoreTurn persists the user input and the assistant reply of one turn
// as two contextual messages.
//
// The user side always derives its condensations; the assistant side
// honors model-supplied tier fields when present.
func (t *TierManager) StoreTurn(ctx context.Context, sessionID, userID, userInput string, reply TurnContent) (userMsgID, assistantMsgID string, err error) {
	now := time.Now()

	userMsg := datatypes.Message{
		SessionID:    sessionID,
		UserID:       userID,
		Role:         datatypes.RoleUser,
		Timestamp:    now,
		ContentFull:  userInput,
		RequiredTier: datatypes.TierShort,
		MemoryStatus: datatypes.MemoryContextual,
	}
	userMsgID, err = t.StoreMessage(ctx, &userMsg)
	if err != nil {
		return "", "", err
	}

	assistantMsg := datatypes.Message{
		SessionID:     sessionID,
		UserID:        userID,
		Role:          datatypes.RoleAssistant,
		Timestamp:     now,
		ContentFull:   reply.Full,
		ContentMedium: reply.Medium,
		ContentShort:  reply.Short,
		RequiredTier:  datatypes.TierShort,
		MemoryStatus:  datatypes.MemoryContextual,
	}
	assistantMsgID, err = t.StoreMessage(ctx, &assistantMsg)
	if err != nil {
		return "", "", err
	}
	return userMsgID, assistantMsgID, nil
}

// Promote raises a message's required tier.
//
// A downgrade attempt is not an error at this level: the store rejects
// it with KindConflict, Promote logs a warning, and the stored higher
// tier stays authoritative. NotFound and storage failures propagate.
func (t *TierManager) Promote(ctx context.Context, id string, level datatypes.Tier) error {
	err := t.store.UpdateRequiredTier(ctx, id, level)
	if datatypes.IsConflict(err) {
		t.log.WarnContext(ctx, "ignoring tier downgrade request",
			"message_id", id,
			"requested_tier", int(level))
		return nil
	}
	return err
}

// ToEpisodic transitions a batch of messages out of the contextual
// window in one atomic scope.
func (t *TierManager) ToEpisodic(ctx context.Context, ids []string) error {
	return t.store.UpdateMemoryStatus(ctx, ids, datatypes.MemoryEpisodic)
}

// Recall returns an archived message to the contextual window, bumps
// its importance, and marks it recalled.
func (t *TierManager) Recall(ctx context.Context, id string) error {
	if err := t.store.UpdateMemoryStatus(ctx, []string{id}, datatypes.MemoryContextual); err != nil {
		return err
	}
	return t.store.UpdateImportance(ctx, id, 1, true)
}

// RecallTurns re-persists fetched episodic turns as contextual messages
// at full tier. The copies carry the recall markers so the context
// builder renders them in the recalled block and the pruner keeps them
// around.
//
// Returns the ids of the inserted messages in turn order.
func (t *TierManager) RecallTurns(ctx context.Context, sessionID, userID string, turns []datatypes.Turn) ([]string, error) {
	ids := make([]string, 0, len(turns)*2)
	for _, turn := range turns {
		ts := turn.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		pair := []datatypes.Message{
			{
				SessionID:       sessionID,
				UserID:          userID,
				Role:            datatypes.RoleUser,
				Timestamp:       ts,
				ContentFull:     turn.UserInput,
				RequiredTier:    datatypes.TierFull,
				MemoryStatus:    datatypes.MemoryContextual,
				ImportanceScore: 2,
				WasRecalled:     true,
			},
			{
				SessionID:       sessionID,
				UserID:          userID,
				Role:            datatypes.RoleAssistant,
				Timestamp:       ts,
				ContentFull:     turn.AssistantOutput,
				RequiredTier:    datatypes.TierFull,
				MemoryStatus:    datatypes.MemoryContextual,
				ImportanceScore: 2,
				WasRecalled:     true,
			},
		}
		for i := range pair {
			id, err := t.StoreMessage(ctx, &pair[i])
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
