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
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/tunables"
)

// =============================================================================
// Acquisition
// =============================================================================

func TestAcquire_MintsSessionWhenIDEmpty(t *testing.T) {
	h := newEngineHarness(t)
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	eng, err := m.Acquire(ctx, h.userID, "")
	require.NoError(t, err)
	require.NotEmpty(t, eng.SessionID())
	assert.NotEqual(t, h.sessionID, eng.SessionID())

	sess, err := h.store.GetSession(ctx, eng.SessionID())
	require.NoError(t, err)
	assert.Equal(t, h.userID, sess.UserID)
	assert.Equal(t, 1, m.EngineCount())
}

func TestAcquire_UnknownSessionIsNotFound(t *testing.T) {
	h := newEngineHarness(t)
	m := NewSessionManager(h.deps)

	_, err := m.Acquire(context.Background(), h.userID, "no-such-session")
	require.Error(t, err)
	assert.True(t, datatypes.IsNotFound(err))
}

func TestAcquire_ForeignSessionReadsAsAbsent(t *testing.T) {
	h := newEngineHarness(t)
	m := NewSessionManager(h.deps)

	_, err := m.Acquire(context.Background(), "intruder", h.sessionID)
	require.Error(t, err)
	assert.True(t, datatypes.IsNotFound(err),
		"ownership failures must be indistinguishable from absence")
}

func TestAcquire_CachesEnginePerSession(t *testing.T) {
	h := newEngineHarness(t)
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	first, err := m.Acquire(ctx, h.userID, h.sessionID)
	require.NoError(t, err)
	second, err := m.Acquire(ctx, h.userID, h.sessionID)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, m.EngineCount())
}

func TestEngineCache_EvictsLeastRecentlyUsed(t *testing.T) {
	h := newEngineHarness(t)
	h.deps.Knobs = tunables.Static(tunables.Tunables{SessionCacheSize: 2})
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	clock := time.Now()
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for _, id := range []string{"s-a", "s-b"} {
		require.NoError(t, h.store.PutSession(ctx, datatypes.Session{
			ID:             id,
			UserID:         h.userID,
			CreatedAt:      time.Now(),
			LastActivityAt: time.Now(),
		}))
	}

	engA, err := m.Acquire(ctx, h.userID, "s-a")
	require.NoError(t, err)
	engB, err := m.Acquire(ctx, h.userID, "s-b")
	require.NoError(t, err)

	// Refresh a, making b the stale entry.
	_, err = m.Acquire(ctx, h.userID, "s-a")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, h.userID, h.sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, m.EngineCount())

	engA2, err := m.Acquire(ctx, h.userID, "s-a")
	require.NoError(t, err)
	assert.Same(t, engA, engA2, "a recently used engine survives the eviction")

	engB2, err := m.Acquire(ctx, h.userID, "s-b")
	require.NoError(t, err)
	assert.NotSame(t, engB, engB2, "the stale engine was dropped and rebuilt")
}

func TestSweepIdle_DropsStaleEngines(t *testing.T) {
	h := newEngineHarness(t)
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	_, err := m.Acquire(ctx, h.userID, h.sessionID)
	require.NoError(t, err)
	require.Equal(t, 1, m.EngineCount())

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 1, m.SweepIdle())
	assert.Equal(t, 0, m.EngineCount())

	_, err = m.Acquire(ctx, h.userID, h.sessionID)
	require.NoError(t, err, "an evicted session is still acquirable")
}

func TestEngineCache_EvictionNeverDropsEngineMidTurn(t *testing.T) {
	h := newEngineHarness(t, "First answer.", "Second answer.")
	h.deps.Knobs = tunables.Static(tunables.Tunables{
		SessionCacheSize:   1,
		PerUserConcurrency: 4,
	})
	h.llm.setChatDelay(2 * time.Second)
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	require.NoError(t, h.store.PutSession(ctx, datatypes.Session{
		ID:             "s-bystander",
		UserID:         h.userID,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}))

	eng1, err := m.Acquire(ctx, h.userID, h.sessionID)
	require.NoError(t, err)

	ch1, _, err := m.ProcessTurn(ctx, h.userID, h.sessionID, "First question")
	require.NoError(t, err)

	// Filling the single-slot cache must not displace the engine whose
	// turn is still running; the cache grows past its size instead.
	_, err = m.Acquire(ctx, h.userID, "s-bystander")
	require.NoError(t, err)
	assert.Equal(t, 2, m.EngineCount())

	eng2, err := m.Acquire(ctx, h.userID, h.sessionID)
	require.NoError(t, err)
	assert.Same(t, eng1, eng2, "a busy engine survives cache pressure")

	ch2, _, err := m.ProcessTurn(ctx, h.userID, h.sessionID, "Second question")
	require.NoError(t, err)

	events1 := drain(t, ch1)
	events2 := drain(t, ch2)
	require.NotEmpty(t, events1)
	require.NotEmpty(t, events2)
	assert.Equal(t, datatypes.EventFinal, events1[len(events1)-1].Kind)
	assert.Equal(t, "First answer.", events1[len(events1)-1].Content)
	assert.Equal(t, datatypes.EventFinal, events2[len(events2)-1].Kind)
	assert.Equal(t, "Second answer.", events2[len(events2)-1].Content)

	assert.Equal(t, 1, h.llm.maxConcurrentChats(),
		"turns on one session must never reach the model concurrently")
}

func TestSweepIdle_SkipsEngineMidTurn(t *testing.T) {
	h := newEngineHarness(t, "Done at last.")
	h.llm.setChatDelay(2 * time.Second)
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	var clockMu sync.Mutex
	current := time.Now()
	m.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		current = current.Add(d)
		clockMu.Unlock()
	}

	ch, _, err := m.ProcessTurn(ctx, h.userID, h.sessionID, "Take your time.")
	require.NoError(t, err)

	advance(2 * time.Hour)
	assert.Equal(t, 0, m.SweepIdle(), "an engine mid-turn is never idle")
	assert.Equal(t, 1, m.EngineCount())

	events := drain(t, ch)
	require.NotEmpty(t, events)
	assert.Equal(t, datatypes.EventFinal, events[len(events)-1].Kind)

	// Once the turn's stream closes the engine ages out normally.
	advance(2 * time.Hour)
	assert.Equal(t, 1, m.SweepIdle())
	assert.Equal(t, 0, m.EngineCount())
}

// =============================================================================
// Turn admission
// =============================================================================

func TestManagerProcessTurn_ConcurrencyCapRejects(t *testing.T) {
	h := newEngineHarness(t, "Slow reply.", "Quick reply.")
	h.llm.chatDelay = 2 * time.Second
	h.deps.Knobs = tunables.Static(tunables.Tunables{
		PerUserConcurrency:    1,
		AcquireTimeoutSeconds: 1,
	})
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	ch1, sid, err := m.ProcessTurn(ctx, h.userID, h.sessionID, "First question")
	require.NoError(t, err)
	assert.Equal(t, h.sessionID, sid)

	_, _, err = m.ProcessTurn(ctx, h.userID, h.sessionID, "Second question")
	require.Error(t, err)
	assert.Equal(t, datatypes.KindRateLimited, datatypes.KindOf(err))
	assert.Equal(t, http.StatusTooManyRequests, datatypes.HTTPStatus(err))

	events := drain(t, ch1)
	require.NotEmpty(t, events)
	assert.Equal(t, datatypes.EventFinal, events[len(events)-1].Kind)

	// The slot frees once the stream closes.
	h.llm.setChatDelay(0)
	ch2, _, err := m.ProcessTurn(ctx, h.userID, h.sessionID, "Third question")
	require.NoError(t, err)
	events = drain(t, ch2)
	require.NotEmpty(t, events)
	assert.Equal(t, datatypes.EventFinal, events[len(events)-1].Kind)
}

// =============================================================================
// Deletion
// =============================================================================

func TestDeleteSession_CascadePurgesEverything(t *testing.T) {
	h := newEngineHarness(t, "Sure, noted.")
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	ch, sid, err := m.ProcessTurn(ctx, h.userID, "", "Keep track of the harbor plan.")
	require.NoError(t, err)
	events := drain(t, ch)
	require.NotEmpty(t, events)
	require.Equal(t, datatypes.EventFinal, events[len(events)-1].Kind)

	chunk := &datatypes.EpisodicChunk{
		ID:        "chunk-9",
		SessionID: sid,
		UserID:    h.userID,
		CreatedAt: time.Now(),
		RawTurns: []datatypes.Turn{{
			UserInput:       "earlier question",
			AssistantOutput: "earlier answer",
			Timestamp:       time.Now(),
		}},
		Summary: "archived harbor talk",
	}
	require.NoError(t, h.deps.Episodes.Archive(ctx, chunk))

	require.NoError(t, m.DeleteSession(ctx, h.userID, sid))

	assert.Equal(t, 0, m.EngineCount())

	_, err = h.store.GetSession(ctx, sid)
	assert.True(t, datatypes.IsNotFound(err))

	messages, err := h.store.ListContextual(ctx, sid, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)

	_, err = h.deps.Episodes.FetchRaw(ctx, h.userID, "chunk-9")
	assert.True(t, datatypes.IsNotFound(err))

	snap, err := h.deps.Snapshots.LoadContext(h.userID, sid)
	require.NoError(t, err)
	assert.Zero(t, snap.TurnCount)
}

func TestDeleteSession_RequiresOwnership(t *testing.T) {
	h := newEngineHarness(t)
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	err := m.DeleteSession(ctx, h.userID, "no-such-session")
	assert.True(t, datatypes.IsNotFound(err))

	err = m.DeleteSession(ctx, "intruder", h.sessionID)
	assert.True(t, datatypes.IsNotFound(err))

	_, err = h.store.GetSession(ctx, h.sessionID)
	assert.NoError(t, err, "a foreign delete must not remove the session")
}

// =============================================================================
// Sweeper lifecycle
// =============================================================================

func TestSweeper_StartStop(t *testing.T) {
	h := newEngineHarness(t)
	m := NewSessionManager(h.deps)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx), "only one sweeper may run")
	m.Stop()
	m.Stop()

	require.NoError(t, m.Start(ctx))
	m.Stop()
}
