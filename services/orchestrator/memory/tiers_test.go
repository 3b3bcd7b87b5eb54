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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

func TestDeriveShort(t *testing.T) {
	cases := []struct {
		name string
		full string
		want string
	}{
		{"empty", "", ""},
		{"short text kept whole", "hello world", "hello world"},
		{
			"exactly ten words kept whole",
			"one two three four five six seven eight nine ten",
			"one two three four five six seven eight nine ten",
		},
		{
			"eleven words truncated",
			"one two three four five six seven eight nine ten eleven",
			"one two three four five six seven eight nine ten...",
		},
		{"whitespace collapsed", "  a   b  ", "a b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveShort(tc.full); got != tc.want {
				t.Errorf("DeriveShort(%q) = %q, want %q", tc.full, got, tc.want)
			}
		})
	}
}

func TestDeriveMedium(t *testing.T) {
	cases := []struct {
		name string
		full string
		want string
	}{
		{"empty", "", ""},
		{"one word kept", "hello", "hello"},
		{"two words kept", "hello world", "hello world"},
		{"four words halved", "one two three four", "one two"},
		{"five words rounds up", "one two three four five", "one two three"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveMedium(tc.full); got != tc.want {
				t.Errorf("DeriveMedium(%q) = %q, want %q", tc.full, got, tc.want)
			}
		})
	}
}

func TestFillTiers_LengthOrdering(t *testing.T) {
	cases := []struct {
		name string
		msg  datatypes.Message
	}{
		{"all derived", datatypes.Message{ContentFull: strings.Repeat("word ", 40)}},
		{"short full text", datatypes.Message{ContentFull: "hi"}},
		{"model supplied tiers kept", datatypes.Message{
			ContentFull:   "a much longer full content string here",
			ContentMedium: "a much longer full",
			ContentShort:  "longer",
		}},
		{"oversized medium replaced", datatypes.Message{
			ContentFull:   "short full",
			ContentMedium: "this medium is somehow longer than the full content",
		}},
		{"oversized short replaced", datatypes.Message{
			ContentFull:   "one two three four five six",
			ContentMedium: "one two three",
			ContentShort:  "this short exceeds the medium condensation",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := tc.msg
			fillTiers(&msg)
			if len(msg.ContentShort) > len(msg.ContentMedium) {
				t.Errorf("short (%d) longer than medium (%d)", len(msg.ContentShort), len(msg.ContentMedium))
			}
			if len(msg.ContentMedium) > len(msg.ContentFull) {
				t.Errorf("medium (%d) longer than full (%d)", len(msg.ContentMedium), len(msg.ContentFull))
			}
		})
	}
}

func TestFillTiers_KeepsSuppliedCondensations(t *testing.T) {
	msg := datatypes.Message{
		ContentFull:   "the quick brown fox jumps over the lazy dog today",
		ContentMedium: "quick fox jumps over dog",
		ContentShort:  "fox story",
	}
	fillTiers(&msg)
	assert.Equal(t, "quick fox jumps over dog", msg.ContentMedium)
	assert.Equal(t, "fox story", msg.ContentShort)
}

func TestStoreTurn_PersistsBothSides(t *testing.T) {
	s := newTestStore(t)
	tm := NewTierManager(s, nil)
	ctx := context.Background()

	userID, asstID, err := tm.StoreTurn(ctx, "s1", "u1",
		"tell me about the aleutian islands and their weather patterns including the williwaw winds the fog banks and the storm cycles that cross them every winter",
		TurnContent{Full: "The Aleutian Islands are a chain of volcanic islands in Alaska with famously rough weather."})
	require.NoError(t, err)

	userMsg, err := s.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RoleUser, userMsg.Role)
	assert.Equal(t, datatypes.TierShort, userMsg.RequiredTier)
	assert.NotEmpty(t, userMsg.ContentShort)
	assert.NotEmpty(t, userMsg.ContentMedium)
	assert.True(t, strings.HasSuffix(userMsg.ContentShort, "..."),
		"a long input gets a truncated short tier")
	assert.LessOrEqual(t, len(userMsg.ContentShort), len(userMsg.ContentMedium))
	assert.LessOrEqual(t, len(userMsg.ContentMedium), len(userMsg.ContentFull))

	asstMsg, err := s.Get(ctx, asstID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RoleAssistant, asstMsg.Role)
	assert.Equal(t, datatypes.MemoryContextual, asstMsg.MemoryStatus)

	// Both land in the contextual window, assistant newest.
	msgs, err := s.ListContextual(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, asstID, msgs[0].ID)
	assert.Equal(t, userID, msgs[1].ID)
}

func TestPromote_DowngradeIsSilentNoOp(t *testing.T) {
	s := newTestStore(t)
	tm := NewTierManager(s, nil)
	ctx := context.Background()
	ids := insertN(t, s, "s1", 1)

	require.NoError(t, tm.Promote(ctx, ids[0], datatypes.TierFull))

	// The conflict from the store becomes a logged no-op here.
	require.NoError(t, tm.Promote(ctx, ids[0], datatypes.TierShort))

	got, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, datatypes.TierFull, got.RequiredTier)
}

func TestPromote_UnknownMessage(t *testing.T) {
	s := newTestStore(t)
	tm := NewTierManager(s, nil)

	err := tm.Promote(context.Background(), "missing", datatypes.TierMedium)
	require.Error(t, err)
	assert.True(t, datatypes.IsNotFound(err))
}

func TestToEpisodicAndRecall(t *testing.T) {
	s := newTestStore(t)
	tm := NewTierManager(s, nil)
	ctx := context.Background()
	ids := insertN(t, s, "s1", 2)

	require.NoError(t, tm.ToEpisodic(ctx, ids))
	for _, id := range ids {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, datatypes.MemoryEpisodic, got.MemoryStatus)
	}

	require.NoError(t, tm.Recall(ctx, ids[0]))
	got, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, datatypes.MemoryContextual, got.MemoryStatus)
	assert.True(t, got.WasRecalled)
	assert.GreaterOrEqual(t, got.ImportanceScore, 2)
}

func TestRecallTurns(t *testing.T) {
	s := newTestStore(t)
	tm := NewTierManager(s, nil)
	ctx := context.Background()

	turns := []datatypes.Turn{
		{UserInput: "what did we decide about the boat", AssistantOutput: "You decided to haul out in September."},
		{UserInput: "and the engine", AssistantOutput: "The engine rebuild waits until spring."},
	}
	ids, err := tm.RecallTurns(ctx, "s1", "u1", turns)
	require.NoError(t, err)
	require.Len(t, ids, 4)

	for _, id := range ids {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, datatypes.MemoryContextual, got.MemoryStatus)
		assert.Equal(t, datatypes.TierFull, got.RequiredTier)
		assert.True(t, got.WasRecalled)
		assert.GreaterOrEqual(t, got.ImportanceScore, 2)
	}
}
