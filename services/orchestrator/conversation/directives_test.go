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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

func TestParseDirectives_SingleTokens(t *testing.T) {
	cases := []struct {
		name         string
		text         string
		wantResidual string
		want         Directive
	}{
		{
			name:         "tier request leading",
			text:         "[REQUEST_TIER:3:m7] Let me check.",
			wantResidual: "Let me check.",
			want:         Directive{Type: DirectiveRequestTier, Tier: datatypes.TierFull, MessageID: "m7", Raw: "[REQUEST_TIER:3:m7]"},
		},
		{
			name:         "tier request trailing",
			text:         "Let me check. [REQUEST_TIER:2:msg-41]",
			wantResidual: "Let me check.",
			want:         Directive{Type: DirectiveRequestTier, Tier: datatypes.TierMedium, MessageID: "msg-41", Raw: "[REQUEST_TIER:2:msg-41]"},
		},
		{
			name:         "episodic search",
			text:         "Looking that up. [SEARCH_EPISODIC:boat plans]",
			wantResidual: "Looking that up.",
			want:         Directive{Type: DirectiveSearchEpisodic, Query: "boat plans", Raw: "[SEARCH_EPISODIC:boat plans]"},
		},
		{
			name:         "web search with padding",
			text:         "One moment. [SEARCH:   weather Paris today  ]",
			wantResidual: "One moment.",
			want:         Directive{Type: DirectiveWebSearch, Query: "weather Paris today", Raw: "[SEARCH:   weather Paris today  ]"},
		},
		{
			name:         "episode fetch with spaces",
			text:         "[FETCH_EPISODE: chunk-42 ] pulling that conversation back.",
			wantResidual: "pulling that conversation back.",
			want:         Directive{Type: DirectiveFetchEpisode, ChunkID: "chunk-42", Raw: "[FETCH_EPISODE: chunk-42 ]"},
		},
		{
			name:         "deeper search literal",
			text:         "Nothing yet. [SEARCH_DEEPER_EPISODIC]",
			wantResidual: "Nothing yet.",
			want:         Directive{Type: DirectiveSearchDeeper, Raw: "[SEARCH_DEEPER_EPISODIC]"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			residual, directives := ParseDirectives(tc.text)

			assert.Equal(t, tc.wantResidual, residual)
			require.Len(t, directives, 1)
			assert.Equal(t, tc.want, directives[0])
		})
	}
}

func TestParseDirectives_NonMatches(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"no directives", "Just a plain answer."},
		{"non numeric tier level", "[REQUEST_TIER:x:m7] hm"},
		{"empty episodic query", "[SEARCH_EPISODIC:] hm"},
		{"chunk id with path chars", "[FETCH_EPISODE: ../../etc ] hm"},
		{"lowercase token", "[search: weather] hm"},
		{"unclosed bracket", "[SEARCH: weather"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			residual, directives := ParseDirectives(tc.text)

			assert.Empty(t, directives)
			assert.Equal(t, tc.text, residual)
		})
	}
}

func TestParseDirectives_DiscoveryOrder(t *testing.T) {
	text := "First [REQUEST_TIER:3:m1] then [SEARCH: tides] and\n" +
		"[SEARCH_EPISODIC:harbor] plus [SEARCH_DEEPER_EPISODIC] at last [FETCH_EPISODE:c9]."

	residual, directives := ParseDirectives(text)

	require.Len(t, directives, 5)
	types := make([]DirectiveType, 0, len(directives))
	for _, d := range directives {
		types = append(types, d.Type)
	}
	assert.Equal(t, []DirectiveType{
		DirectiveRequestTier,
		DirectiveWebSearch,
		DirectiveSearchEpisodic,
		DirectiveSearchDeeper,
		DirectiveFetchEpisode,
	}, types)
	assert.Equal(t, "First then and\nplus at last .", residual)
}

func TestParseDirectives_DirectiveOnlyLinesAreDropped(t *testing.T) {
	text := "Here is what I remember.\n[SEARCH_EPISODIC:sailing trip]\nGive me a second."

	residual, directives := ParseDirectives(text)

	require.Len(t, directives, 1)
	assert.Equal(t, "Here is what I remember.\nGive me a second.", residual)
}

func TestParseDirectives_FencedCodeKeepsEmbeddedTokens(t *testing.T) {
	text := "Here is the parser:\n" +
		"```go\n" +
		"match := strip(\"[SEARCH: weather]\")\n" +
		"```\n" +
		"Hope that helps."

	residual, directives := ParseDirectives(text)

	assert.Empty(t, directives)
	assert.Equal(t, text, residual)
}

func TestParseDirectives_FencedSoleLineTokenIsParsed(t *testing.T) {
	text := "Thinking...\n" +
		"```\n" +
		"[REQUEST_TIER:3:m12]\n" +
		"other code\n" +
		"```\n" +
		"Done."

	residual, directives := ParseDirectives(text)

	require.Len(t, directives, 1)
	assert.Equal(t, DirectiveRequestTier, directives[0].Type)
	assert.Equal(t, "m12", directives[0].MessageID)
	assert.Equal(t,
		"Thinking...\n```\nother code\n```\nDone.",
		residual)
}

func TestParseDirectives_WhitespaceCollapseOnlyOnTouchedLines(t *testing.T) {
	text := "spaced  out  line\nalso  spaced [SEARCH: x] here"

	residual, directives := ParseDirectives(text)

	require.Len(t, directives, 1)
	assert.Equal(t, "spaced  out  line\nalso spaced here", residual)
}

func TestParseDirectives_MixedWithTierLevelOutOfRange(t *testing.T) {
	residual, directives := ParseDirectives("[REQUEST_TIER:12:m3] odd request")

	require.Len(t, directives, 1)
	assert.Equal(t, datatypes.Tier(12), directives[0].Tier)
	assert.False(t, directives[0].Tier.Valid())
	assert.Equal(t, "odd request", residual)
}

func TestParseDirectives_EmptyInput(t *testing.T) {
	residual, directives := ParseDirectives("")

	assert.Empty(t, residual)
	assert.Nil(t, directives)
}

func TestStripDirectives_Idempotent(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"plain", "Nothing to strip here."},
		{"simple", "Sure. [SEARCH: tide tables] Checking now."},
		{"multiline", "A [REQUEST_TIER:3:m1]\n[SEARCH_EPISODIC:x]\nB"},
		{"nested artifact", "[SEARCH[SEARCH: x]: y] tail"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			once := StripDirectives(tc.text)
			twice := StripDirectives(once)

			assert.Equal(t, once, twice)

			_, again := ParseDirectives(once)
			assert.Empty(t, again)
		})
	}
}

func TestParseDirectives_OverlappingMatchesLeftmostWins(t *testing.T) {
	residual, directives := ParseDirectives("[SEARCH: find [FETCH_EPISODE:c1]] rest")

	require.Len(t, directives, 1)
	assert.Equal(t, DirectiveWebSearch, directives[0].Type)
	assert.Equal(t, "find [FETCH_EPISODE:c1", directives[0].Query)
	assert.Equal(t, "] rest", residual)
}
