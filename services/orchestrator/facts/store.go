// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package facts maintains the durable per-user fact list that survives
// across sessions.
//
// # Description
//
// Facts are short natural-language strings ("User lives in Kyoto.")
// persisted in the user record. All writes go through the user store's
// transactional read-modify-write, so concurrent turns across a user's
// sessions converge instead of clobbering each other. A persona fact
// (prefix CRITICAL_PERSONA:) is pinned to index 0 and there is never
// more than one.
package facts

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memory"
)

// PersonaPrefix marks the single pinned roleplay fact.
const PersonaPrefix = "CRITICAL_PERSONA:"

// minFactRunes rejects near-empty facts.
const minFactRunes = 3

// directiveTokenPattern matches embedded directive-like tokens so a
// model echo can never smuggle one into the stored fact list.
var directiveTokenPattern = regexp.MustCompile(`\[[A-Z][A-Z0-9_]*(?::[^\]]*)?\]`)

// Store is one user's fact list with a lazily filled cache.
//
// # Thread Safety
//
// Safe for concurrent use. The cache mutex covers reads; writes run
// through the user store's conflict-retried transaction and refresh
// the cache with the stored result.
type Store struct {
	users  memory.UserStore
	userID string
	log    *slog.Logger

	mu     sync.Mutex
	loaded bool
	cached []string
}

// NewStore binds a fact store to one user.
func NewStore(users memory.UserStore, userID string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{users: users, userID: userID, log: log}
}

// UserID returns the bound user.
func (s *Store) UserID() string {
	return s.userID
}

// Load returns the user's facts, cold-reading the user record on first
// use. An unknown user has an empty list.
func (s *Store) Load(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		user, err := s.users.GetUser(ctx, s.userID)
		if err != nil && !datatypes.IsNotFound(err) {
			return nil, err
		}
		s.cached = user.RememberedFacts
		s.loaded = true
	}
	out := make([]string, len(s.cached))
	copy(out, s.cached)
	return out, nil
}

// Save replaces the whole fact list. The list is sanitized before it
// is stored: facts are trimmed, near-empty ones rejected, embedded
// directive tokens stripped, duplicates dropped keeping the first
// occurrence, and the persona fact (last one wins) pinned to index 0.
func (s *Store) Save(ctx context.Context, factList []string) ([]string, error) {
	stored, err := s.users.UpdateFacts(ctx, s.userID, func(_ []string) ([]string, error) {
		return Sanitize(factList), nil
	})
	if err != nil {
		return nil, err
	}
	s.setCache(stored)
	return stored, nil
}

// Remember merges new facts into the stored list and reports how many
// were actually added. Duplicates of existing facts are ignored; a new
// persona fact replaces the current one.
func (s *Store) Remember(ctx context.Context, newFacts ...string) (int, error) {
	if len(newFacts) == 0 {
		return 0, nil
	}
	added := 0
	stored, err := s.users.UpdateFacts(ctx, s.userID, func(current []string) ([]string, error) {
		merged := Sanitize(append(append([]string{}, current...), newFacts...))
		added = len(merged) - len(Sanitize(current))
		if added < 0 {
			added = 0
		}
		return merged, nil
	})
	if err != nil {
		return 0, err
	}
	s.setCache(stored)
	return added, nil
}

// Forget removes every fact whose lowercased form contains the
// lowercased pattern and returns the removed count. A blank pattern
// removes nothing.
func (s *Store) Forget(ctx context.Context, pattern string) (int, error) {
	needle := strings.ToLower(strings.TrimSpace(pattern))
	if needle == "" {
		return 0, nil
	}
	return s.forgetMatching(ctx, func(fact string) bool {
		return strings.Contains(strings.ToLower(fact), needle)
	})
}

// ForgetText handles a free-form forget command: the text is reduced
// to its content words and every fact containing any of them is
// removed. "forget that I live in Kyoto" removes every fact mentioning
// kyoto.
func (s *Store) ForgetText(ctx context.Context, text string) (int, error) {
	needles := contentWords(text)
	if len(needles) == 0 {
		return 0, nil
	}
	return s.forgetMatching(ctx, func(fact string) bool {
		lower := strings.ToLower(fact)
		for _, needle := range needles {
			if strings.Contains(lower, needle) {
				return true
			}
		}
		return false
	})
}

func (s *Store) forgetMatching(ctx context.Context, matches func(string) bool) (int, error) {
	removed := 0
	stored, err := s.users.UpdateFacts(ctx, s.userID, func(current []string) ([]string, error) {
		kept := make([]string, 0, len(current))
		removed = 0
		for _, fact := range current {
			if matches(fact) {
				removed++
				continue
			}
			kept = append(kept, fact)
		}
		return kept, nil
	})
	if err != nil {
		return 0, err
	}
	s.setCache(stored)
	if removed > 0 {
		s.log.InfoContext(ctx, "forgot user facts",
			"user_id", s.userID,
			"removed", removed)
	}
	return removed, nil
}

// Format loads the facts and renders them for prompt injection.
func (s *Store) Format(ctx context.Context) (string, error) {
	factList, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	return FormatFacts(factList), nil
}

func (s *Store) setCache(stored []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = stored
	s.loaded = true
}

// =============================================================================
// Sanitization and rendering
// =============================================================================

// Sanitize normalizes a fact list: trims whitespace, strips embedded
// directive tokens, rejects facts under three runes, drops duplicates
// keeping the first occurrence, and pins at most one persona fact at
// index 0 (the last persona fact in the input wins, so a roleplay
// change replaces the previous identity).
func Sanitize(factList []string) []string {
	var persona string
	plain := make([]string, 0, len(factList))
	seen := make(map[string]struct{}, len(factList))

	for _, fact := range factList {
		fact = directiveTokenPattern.ReplaceAllString(fact, "")
		fact = strings.Join(strings.Fields(fact), " ")
		if utf8.RuneCountInString(fact) < minFactRunes {
			continue
		}
		if strings.HasPrefix(fact, PersonaPrefix) {
			if personaBody(fact) == "" {
				continue
			}
			persona = fact
			continue
		}
		if _, dup := seen[fact]; dup {
			continue
		}
		seen[fact] = struct{}{}
		plain = append(plain, fact)
	}

	if persona == "" {
		return plain
	}
	return append([]string{persona}, plain...)
}

// FormatFacts renders facts for the prompt: a CRITICAL CONTEXT block
// for the persona fact when present, then one line per plain fact.
// An empty list renders as the empty string.
func FormatFacts(factList []string) string {
	if len(factList) == 0 {
		return ""
	}
	var sb strings.Builder
	plain := factList
	if strings.HasPrefix(factList[0], PersonaPrefix) {
		sb.WriteString("CRITICAL CONTEXT:\n")
		sb.WriteString(personaBody(factList[0]))
		sb.WriteString("\n\n")
		plain = factList[1:]
	}
	for _, fact := range plain {
		sb.WriteString("- ")
		sb.WriteString(fact)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func personaBody(fact string) string {
	return strings.TrimSpace(strings.TrimPrefix(fact, PersonaPrefix))
}

// forgetStopwords are function words ignored when reducing a forget
// command to its content words.
var forgetStopwords = map[string]struct{}{
	"the": {}, "that": {}, "this": {}, "about": {}, "please": {},
	"and": {}, "you": {}, "your": {}, "for": {}, "with": {},
	"have": {}, "had": {}, "was": {}, "were": {}, "are": {},
	"not": {}, "dont": {}, "don": {}, "forget": {}, "remember": {},
}

var wordPattern = regexp.MustCompile(`\w+`)

// contentWords lowercases text and keeps words of three or more runes
// that are not stopwords, preserving first-occurrence order.
func contentWords(text string) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if utf8.RuneCountInString(w) < minFactRunes {
			continue
		}
		if _, stop := forgetStopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
