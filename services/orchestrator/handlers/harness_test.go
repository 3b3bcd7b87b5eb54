// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/pkg/extensions"
	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/episodic"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/middleware"
	storage "github.com/AleutianAI/AleutianRecall/services/orchestrator/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testUserID = "local-user"

// =============================================================================
// Fakes
// =============================================================================

// scriptedLLM answers fact extraction and title prompts with canned
// replies and serves chat completions from a queue.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
}

func (s *scriptedLLM) Complete(_ context.Context, messages []llm.Message, _ llm.GenerationParams) (string, error) {
	prompt := messages[0].Content

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(prompt, "Extract durable facts"):
		return "[]", nil
	case strings.Contains(prompt, "Write a short title"):
		return "A Test Conversation", nil
	}
	if len(s.replies) == 0 {
		return "", errors.New("scripted replies exhausted")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

// =============================================================================
// Harness
// =============================================================================

// harness serves the handler surface over a real session manager,
// in-memory storage, and a scripted model.
type harness struct {
	t      *testing.T
	router *gin.Engine
	store  *memory.BadgerStore
	mgr    *conversation.SessionManager
	llm    *scriptedLLM
}

func newHarness(t *testing.T, replies ...string) *harness {
	t.Helper()
	return newHarnessWithOptions(t, extensions.DefaultOptions(), replies...)
}

// newHarnessWithOptions builds the harness around injected extension
// points, for exercising the authz, audit, and filter seams.
func newHarnessWithOptions(t *testing.T, opts extensions.ServiceOptions, replies ...string) *harness {
	t.Helper()

	db, err := storage.OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := memory.NewBadgerStore(db)
	tiers := memory.NewTierManager(store, nil)
	episodes := episodic.NewStore(t.TempDir(), nil, nil)
	scripted := &scriptedLLM{replies: replies}

	mgr := conversation.NewSessionManager(&conversation.Deps{
		Messages:  store,
		Sessions:  store,
		Users:     store,
		Tiers:     tiers,
		Builder:   memory.NewContextBuilder(store, nil),
		Pruner:    memory.NewPruner(store, tiers, episodes, nil),
		Episodes:  episodes,
		LLM:       scripted,
		Snapshots: conversation.NewSnapshotWriter(t.TempDir(), nil),
	})

	router := gin.New()
	router.Use(func(c *gin.Context) {
		middleware.SetAuthInfo(c, &extensions.AuthInfo{UserID: testUserID})
	})
	router.GET("/health", HealthCheck)
	router.POST("/v1/chat", HandleChat(mgr, opts, nil))
	router.GET("/v1/memory", GetMemory(store))
	router.GET("/v1/sessions", ListSessions(store))
	router.GET("/v1/sessions/:sessionId/history", GetSessionHistory(store, store))
	router.DELETE("/v1/sessions/:sessionId", DeleteSession(mgr))

	return &harness{t: t, router: router, store: store, mgr: mgr, llm: scripted}
}

// do serves one request and returns the recorder.
func (h *harness) do(method, path string, body io.Reader) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}
