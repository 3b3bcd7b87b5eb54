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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// fakeArchiver records chunks or fails on demand.
type fakeArchiver struct {
	chunks []*datatypes.EpisodicChunk
	err    error
}

func (f *fakeArchiver) Archive(_ context.Context, chunk *datatypes.EpisodicChunk) error {
	if f.err != nil {
		return f.err
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

// insertEqualTier stores n alternating user/assistant messages whose
// tiers all hold the same fixed-size content, so each message estimates
// to contentLen/4 tokens at any tier.
func insertEqualTier(t *testing.T, s *BadgerStore, sessionID string, n, contentLen int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		content := fmt.Sprintf("msg-%03d ", i) + strings.Repeat("x", contentLen-8)
		msg := datatypes.Message{
			SessionID:     sessionID,
			UserID:        "u1",
			Role:          role,
			ContentFull:   content,
			ContentMedium: content,
			ContentShort:  content,
		}
		id, err := s.Insert(ctx, &msg)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func newTestPruner(s *BadgerStore, arch Archiver) *Pruner {
	return NewPruner(s, NewTierManager(s, nil), arch, nil)
}

func TestPrune_UnderCeilingNoOp(t *testing.T) {
	s := newTestStore(t)
	arch := &fakeArchiver{}
	p := newTestPruner(s, arch)
	insertEqualTier(t, s, "s1", 4, 400)

	res, err := p.Prune(context.Background(), "s1", "u1", DefaultPruneLimits())
	require.NoError(t, err)

	assert.Zero(t, res.Pruned)
	assert.Empty(t, arch.chunks)
	assert.Equal(t, res.EstimateBefore, res.EstimateAfter)
}

func TestPrune_ArchivesOldestUntilHeadroom(t *testing.T) {
	s := newTestStore(t)
	arch := &fakeArchiver{}
	p := newTestPruner(s, arch)
	ctx := context.Background()

	// 20 messages x 100 tokens = 2000 total. need = 2000-1000+200.
	ids := insertEqualTier(t, s, "s1", 20, 400)
	limits := PruneLimits{Ceiling: 1000, Headroom: 200, RetainFloor: 5}

	res, err := p.Prune(ctx, "s1", "u1", limits)
	require.NoError(t, err)

	assert.Equal(t, 12, res.Pruned)
	assert.Equal(t, 2000, res.EstimateBefore)
	assert.LessOrEqual(t, res.EstimateAfter, limits.Ceiling-limits.Headroom)

	// The earliest messages went, in order, as paired turns.
	require.Len(t, arch.chunks, 1)
	chunk := arch.chunks[0]
	assert.Equal(t, res.ChunkID, chunk.ID)
	assert.Equal(t, "s1", chunk.SessionID)
	assert.Equal(t, "u1", chunk.UserID)
	require.Len(t, chunk.RawTurns, 6)
	assert.True(t, strings.HasPrefix(chunk.RawTurns[0].UserInput, "msg-000"))
	assert.True(t, strings.HasPrefix(chunk.RawTurns[0].AssistantOutput, "msg-001"))
	assert.True(t, strings.HasPrefix(chunk.RawTurns[5].UserInput, "msg-010"))

	for i, id := range ids {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		want := datatypes.MemoryEpisodic
		if i >= 12 {
			want = datatypes.MemoryContextual
		}
		assert.Equal(t, want, got.MemoryStatus, "message %d", i)
	}
}

func TestPrune_RetainFloorCapsCollection(t *testing.T) {
	s := newTestStore(t)
	arch := &fakeArchiver{}
	p := newTestPruner(s, arch)

	// Six messages far over a tiny ceiling: only one may go.
	insertEqualTier(t, s, "s1", 6, 400)
	limits := PruneLimits{Ceiling: 10, Headroom: 5, RetainFloor: 5}

	res, err := p.Prune(context.Background(), "s1", "u1", limits)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Pruned)
	contextual, err := s.ListByStatus(context.Background(), "s1", datatypes.MemoryContextual)
	require.NoError(t, err)
	assert.Len(t, contextual, 5)
}

func TestPrune_TinySessionNeverShrinksBelowFloor(t *testing.T) {
	s := newTestStore(t)
	arch := &fakeArchiver{}
	p := newTestPruner(s, arch)

	insertEqualTier(t, s, "s1", 4, 400)
	limits := PruneLimits{Ceiling: 10, Headroom: 5, RetainFloor: 5}

	res, err := p.Prune(context.Background(), "s1", "u1", limits)
	require.NoError(t, err)

	assert.Zero(t, res.Pruned)
	assert.Empty(t, arch.chunks)
}

func TestPrune_ArchiveFailureLeavesStateUntouched(t *testing.T) {
	s := newTestStore(t)
	arch := &fakeArchiver{err: fmt.Errorf("disk full")}
	p := newTestPruner(s, arch)
	ctx := context.Background()

	ids := insertEqualTier(t, s, "s1", 20, 400)
	limits := PruneLimits{Ceiling: 1000, Headroom: 200, RetainFloor: 5}

	_, err := p.Prune(ctx, "s1", "u1", limits)
	require.Error(t, err)

	for _, id := range ids {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, datatypes.MemoryContextual, got.MemoryStatus,
			"aborted prune must not flip any message")
	}
}

func TestPrune_HighImportanceArchivedLast(t *testing.T) {
	s := newTestStore(t)
	arch := &fakeArchiver{}
	p := newTestPruner(s, arch)
	ctx := context.Background()

	// 10 messages x 100 tokens. The oldest is shielded by importance,
	// so collection starts at the second message.
	ids := insertEqualTier(t, s, "s1", 10, 400)
	require.NoError(t, s.UpdateImportance(ctx, ids[0], 5, false))

	limits := PruneLimits{Ceiling: 800, Headroom: 100, RetainFloor: 2}

	res, err := p.Prune(ctx, "s1", "u1", limits)
	require.NoError(t, err)
	require.Equal(t, 3, res.Pruned)

	got, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, datatypes.MemoryContextual, got.MemoryStatus,
		"important oldest message survives while others go")

	for _, id := range ids[1:4] {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, datatypes.MemoryEpisodic, got.MemoryStatus)
	}
}

func TestPrune_Tier1HeavySessionLandsUnderCeilingInOnePass(t *testing.T) {
	s := newTestStore(t)
	arch := &fakeArchiver{}
	p := newTestPruner(s, arch)
	ctx := context.Background()

	// Tier-1 renditions are a tenth of the full text. A collection
	// counted in full-content tokens would stop after one message and
	// leave a window measured at required tiers far over its ceiling.
	for i := 0; i < 20; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		msg := datatypes.Message{
			SessionID:     "s1",
			UserID:        "u1",
			Role:          role,
			ContentFull:   strings.Repeat("x", 400),
			ContentMedium: strings.Repeat("x", 200),
			ContentShort:  strings.Repeat("y", 40),
			RequiredTier:  datatypes.TierShort,
		}
		_, err := s.Insert(ctx, &msg)
		require.NoError(t, err)
	}

	// 20 messages at 10 tier-1 tokens each: estimate 200, need 80.
	limits := PruneLimits{Ceiling: 150, Headroom: 30, RetainFloor: 2}

	res, err := p.Prune(ctx, "s1", "u1", limits)
	require.NoError(t, err)

	assert.Equal(t, 200, res.EstimateBefore)
	assert.Equal(t, 8, res.Pruned)
	assert.Equal(t, limits.Ceiling-limits.Headroom, res.EstimateAfter)

	remaining, err := s.ListByStatus(ctx, "s1", datatypes.MemoryContextual)
	require.NoError(t, err)
	assert.LessOrEqual(t, EstimateContextual(remaining), limits.Ceiling-limits.Headroom,
		"one pass must land the session under ceiling minus headroom")
}
