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
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// sweepInterval is how often the background sweeper looks for idle
// engines.
const sweepInterval = time.Minute

// managedEngine pairs a cached engine with its recency bookkeeping.
// inFlight counts the turns currently running on the engine; both
// eviction paths leave busy engines alone, so the per-session turn
// lock never loses its holder mid-flight.
type managedEngine struct {
	engine   *Engine
	lastUsed time.Time
	inFlight int
}

// SessionManager owns engine lifecycles across all users.
//
// # Description
//
// The manager hands callers the engine for their session, minting new
// sessions on demand. Engines are cached up to the configured size;
// past it, the least recently used engine is dropped and rebuilt from
// its context snapshot on next use. A background sweeper drops engines
// idle past the configured threshold. The manager also enforces the
// per-user concurrent-turn cap.
//
// # Thread Safety
//
// Safe for concurrent use. The mutex guards the engine cache and the
// per-user semaphores; turns themselves run outside it.
type SessionManager struct {
	deps *Deps
	log  *slog.Logger

	mu      sync.Mutex
	engines map[string]*managedEngine
	sems    map[string]*semaphore.Weighted
	running bool
	done    chan struct{}

	now func() time.Time
}

// NewSessionManager builds a manager over the shared dependencies.
// Call Start to run the idle sweeper.
func NewSessionManager(deps *Deps) *SessionManager {
	deps.normalize()
	return &SessionManager{
		deps:    deps,
		log:     deps.Log,
		engines: make(map[string]*managedEngine),
		sems:    make(map[string]*semaphore.Weighted),
		now:     time.Now,
	}
}

// =============================================================================
// Acquisition
// =============================================================================

// Acquire returns the engine for the given session.
//
// # Description
//
// An empty sessionID mints a fresh session owned by userID and returns
// its engine. A non-empty sessionID must name an existing session
// owned by userID; a session owned by someone else reads as absent so
// callers cannot probe for other users' session ids.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - userID: The authenticated user.
//   - sessionID: The session to resume, or "" for a new one.
//
// # Outputs
//
//   - *Engine: The session's engine, cached for reuse.
//   - error: KindNotFound for unknown or foreign sessions, KindStorage
//     for persistence failures.
func (m *SessionManager) Acquire(ctx context.Context, userID, sessionID string) (*Engine, error) {
	eng, _, err := m.acquire(ctx, userID, sessionID, false)
	return eng, err
}

// acquire resolves a session to its engine. With retain set, the
// engine is checked out for a turn and the returned release must be
// called once the turn's stream closes.
func (m *SessionManager) acquire(ctx context.Context, userID, sessionID string, retain bool) (*Engine, func(), error) {
	const op = "conversation.Acquire"

	if sessionID == "" {
		return m.mint(ctx, userID, retain)
	}
	sess, err := m.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.UserID != userID {
		return nil, nil, datatypes.NewFault(datatypes.KindNotFound, op, "session not found")
	}
	eng, release := m.engineFor(userID, sessionID, retain)
	return eng, release, nil
}

// mint creates and persists a fresh session record.
func (m *SessionManager) mint(ctx context.Context, userID string, retain bool) (*Engine, func(), error) {
	sessionID := uuid.NewString()
	now := m.now()
	if err := m.deps.Sessions.PutSession(ctx, datatypes.Session{
		ID:             sessionID,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
	}); err != nil {
		return nil, nil, err
	}
	m.log.InfoContext(ctx, "minted session", "session_id", sessionID, "user_id", userID)
	eng, release := m.engineFor(userID, sessionID, retain)
	return eng, release, nil
}

// engineFor returns the cached engine or builds one, dropping the
// least recently used idle entry when the cache is full. With retain
// set the engine's in-flight count is raised until the returned
// release runs; a retained engine is never evicted, so two turns on
// one session can never land on different engine instances. When
// every cached engine is mid-turn the cache temporarily exceeds its
// size rather than dropping a lock holder.
func (m *SessionManager) engineFor(userID, sessionID string, retain bool) (*Engine, func()) {
	knobs := m.deps.Knobs.Current()

	m.mu.Lock()
	me, cached := m.engines[sessionID]
	evictedID := ""
	if !cached {
		if len(m.engines) >= knobs.SessionCacheSize {
			if evictedID = m.oldestIdleLocked(); evictedID != "" {
				delete(m.engines, evictedID)
			}
		}
		me = &managedEngine{engine: NewEngine(m.deps, userID, sessionID)}
		m.engines[sessionID] = me
	}
	me.lastUsed = m.now()
	release := func() {}
	if retain {
		me.inFlight++
		var once sync.Once
		release = func() {
			once.Do(func() {
				m.mu.Lock()
				me.inFlight--
				me.lastUsed = m.now()
				m.mu.Unlock()
			})
		}
	}
	m.mu.Unlock()

	if evictedID != "" {
		m.deps.Metrics.EngineEvicted("lru")
		m.log.Info("evicted engine for cache space", "session_id", evictedID)
	}
	if !cached {
		m.deps.Metrics.EngineAdded()
	}
	return me.engine, release
}

// oldestIdleLocked returns the idle session id with the stalest
// lastUsed, or "" when every cached engine has a turn in flight. The
// caller holds m.mu.
func (m *SessionManager) oldestIdleLocked() string {
	oldestID := ""
	var oldestAt time.Time
	for id, me := range m.engines {
		if me.inFlight > 0 {
			continue
		}
		if oldestID == "" || me.lastUsed.Before(oldestAt) {
			oldestID = id
			oldestAt = me.lastUsed
		}
	}
	return oldestID
}

// EngineCount reports how many engines are currently cached.
func (m *SessionManager) EngineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}

// =============================================================================
// Turn admission
// =============================================================================

// ProcessTurn admits one turn through the per-user concurrency cap and
// runs it on the session's engine.
//
// # Description
//
// The caller gets the turn's event stream plus the resolved session id,
// which differs from the input only when a session was minted. A user
// already at their concurrent-turn cap waits up to the acquire timeout
// for a slot and is then rejected with KindRateLimited. The slot is
// held until the event stream closes.
//
// # Inputs
//
//   - ctx: The consumer's context; cancellation abandons the turn.
//   - userID: The authenticated user.
//   - sessionID: The session to post to, or "" for a new one.
//   - userInput: The user's message text.
//
// # Outputs
//
//   - <-chan datatypes.StreamEvent: The turn's event stream.
//   - string: The session id the turn ran against.
//   - error: Admission failures; nil once the stream is live.
func (m *SessionManager) ProcessTurn(ctx context.Context, userID, sessionID, userInput string) (<-chan datatypes.StreamEvent, string, error) {
	const op = "conversation.ProcessTurn"

	eng, release, err := m.acquire(ctx, userID, sessionID, true)
	if err != nil {
		return nil, "", err
	}

	knobs := m.deps.Knobs.Current()
	sem := m.semFor(userID, knobs.PerUserConcurrency)
	acquireCtx, cancel := context.WithTimeout(ctx, knobs.AcquireTimeout())
	defer cancel()
	if err := sem.Acquire(acquireCtx, 1); err != nil {
		release()
		if ctx.Err() != nil {
			return nil, "", datatypes.WrapFault(datatypes.KindCancelled, op, "request abandoned", ctx.Err())
		}
		m.deps.Metrics.RecordTurnRejection("user_concurrency")
		m.log.WarnContext(ctx, "turn rejected at user concurrency cap",
			"user_id", userID,
			"limit", knobs.PerUserConcurrency)
		return nil, "", datatypes.NewFault(datatypes.KindRateLimited, op, "too many concurrent requests, try again shortly")
	}

	events := eng.ProcessTurn(ctx, userInput)
	out := make(chan datatypes.StreamEvent, eventBuffer)
	go func() {
		defer close(out)
		defer release()
		defer sem.Release(1)
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				// Drain so the engine can finish its turn and unlock.
				for range events {
				}
				return
			}
		}
	}()
	return out, eng.SessionID(), nil
}

// semFor returns the user's admission semaphore. The cap is fixed when
// the semaphore is first created; a later knob change applies only to
// users seen after it.
func (m *SessionManager) semFor(userID string, limit int) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sem, ok := m.sems[userID]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(int64(limit))
	m.sems[userID] = sem
	return sem
}

// =============================================================================
// Deletion
// =============================================================================

// DeleteSession removes a session and everything it owns.
//
// # Description
//
// The cascade drops the cached engine, then deletes the session's
// messages, its episodic archive, its snapshot files, and finally the
// session record. Phases continue past individual failures; the joined
// error reports everything that went wrong so a retry can finish the
// job. A turn already in flight on the session may still complete and
// repopulate nothing beyond its own messages.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - userID: The authenticated user; must own the session.
//   - sessionID: The session to delete.
//
// # Outputs
//
//   - error: KindNotFound for unknown or foreign sessions, otherwise
//     the joined failures of the cascade phases.
func (m *SessionManager) DeleteSession(ctx context.Context, userID, sessionID string) error {
	const op = "conversation.DeleteSession"

	sess, err := m.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return datatypes.NewFault(datatypes.KindNotFound, op, "session not found")
	}

	m.mu.Lock()
	_, had := m.engines[sessionID]
	delete(m.engines, sessionID)
	m.mu.Unlock()
	if had {
		m.deps.Metrics.EngineEvicted("deleted")
	}

	var errs []error
	if err := m.deps.Messages.DeleteSession(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}
	if m.deps.Episodes != nil {
		if err := m.deps.Episodes.DeleteSession(ctx, userID, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	if m.deps.Snapshots != nil {
		if err := m.deps.Snapshots.DeleteSession(userID, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.deps.Sessions.DeleteSessionRecord(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		m.log.WarnContext(ctx, "session delete cascade incomplete",
			"session_id", sessionID,
			"failures", len(errs))
		return errors.Join(errs...)
	}
	m.log.InfoContext(ctx, "deleted session", "session_id", sessionID, "user_id", userID)
	return nil
}

// =============================================================================
// Idle sweeping
// =============================================================================

// Start launches the background idle sweeper. Only one sweeper runs at
// a time; Stop it before starting again.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("session sweeper is already running")
	}
	m.running = true
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.log.Info("session sweeper starting", "interval", sweepInterval.String())
	go m.runSweeper(ctx, done)
	return nil
}

// Stop signals the sweeper to exit. Safe to call when not running.
func (m *SessionManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.done)
	m.running = false
}

func (m *SessionManager) runSweeper(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepIdle()
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepIdle drops every idle engine past the configured threshold and
// reports how many were dropped. Engines with a turn in flight are
// passed over regardless of age. The engines' sessions stay intact;
// the next Acquire rebuilds from snapshots.
func (m *SessionManager) SweepIdle() int {
	knobs := m.deps.Knobs.Current()
	cutoff := m.now().Add(-knobs.SessionIdle())

	m.mu.Lock()
	evicted := 0
	for id, me := range m.engines {
		if me.inFlight == 0 && me.lastUsed.Before(cutoff) {
			delete(m.engines, id)
			evicted++
		}
	}
	m.mu.Unlock()

	for i := 0; i < evicted; i++ {
		m.deps.Metrics.EngineEvicted("idle")
	}
	if evicted > 0 {
		m.log.Info("evicted idle engines", "count", evicted)
	}
	return evicted
}
