// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package episodic implements the append-only archive for pruned
// conversation chunks.
//
// # Description
//
// Every pruned chunk is written as one JSON file under the owning
// user's archive directory, and a per-user summary index carries the
// retrieval surface. Retrieval is keyword overlap scoring over chunk
// summaries; chunks whose summarization failed are scored against
// their raw content instead, so a dead summarizer never makes an
// archive unreachable.
//
// # Disk Layout
//
//	<base>/<user_id>/episodic/archive/<session_id>_<chunk_id>.json
//	<base>/<user_id>/episodic/summary_index.json
//
// All writes are temp-file plus rename, so readers never observe a
// partial file. Index read-modify-write cycles are serialized by a
// store mutex; plain reads rely on rename atomicity.
package episodic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRecall/pkg/validation"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// PlaceholderSummary marks a chunk whose summarization failed. Retrieval
// treats these chunks specially: their raw content is scanned instead.
const PlaceholderSummary = "[summary unavailable]"

// DefaultRetrieveLimit bounds a retrieval when the caller does not.
const DefaultRetrieveLimit = 5

// Retrieval thresholds from the scoring contract: short queries carry
// little signal per word, so they must match a larger fraction.
const (
	ShortQueryThreshold = 0.2
	LongQueryThreshold  = 0.1
	shortQueryLen       = 2
)

// ThresholdFor returns the default score cutoff for a query.
func ThresholdFor(query string) float64 {
	return ThresholdWith(query, ShortQueryThreshold, LongQueryThreshold)
}

// ThresholdWith picks between caller-supplied short and long query
// cutoffs using the same query-length rule as ThresholdFor.
func ThresholdWith(query string, short, long float64) float64 {
	if len(tokenSet(query)) <= shortQueryLen {
		return short
	}
	return long
}

// wordPattern tokenizes queries and summaries for overlap scoring.
var wordPattern = regexp.MustCompile(`\w+`)

// Hit is one retrieval result.
type Hit struct {
	Score     float64   `json:"score"`
	ChunkID   string    `json:"chunk_id"`
	SessionID string    `json:"session_id"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// RetrieveOptions scopes one retrieval.
type RetrieveOptions struct {
	// UserID selects whose archive to search. Required.
	UserID string

	// SessionID narrows the search to one session. A session id that
	// matches no indexed chunk widens back to the whole archive.
	SessionID string

	// Limit caps the result count; zero or negative means the default.
	Limit int

	// Threshold overrides the score cutoff when positive. Zero selects
	// the query-length based default.
	Threshold float64
}

// indexEntry is one row of a user's summary index.
type indexEntry struct {
	ChunkID   string    `json:"chunk_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Summary   string    `json:"summary"`
}

// summaryIndex is the persisted per-user index file.
type summaryIndex struct {
	Entries []indexEntry `json:"entries"`
}

// Summarizer produces the retrieval summary for a chunk. Implemented by
// the retrying LLM summarizer; tests substitute fixed functions.
type Summarizer interface {
	Summarize(ctx context.Context, turns []datatypes.Turn) (string, error)
}

// Store is the filesystem-backed episodic archive.
//
// # Thread Safety
//
// Safe for concurrent use. The mutex serializes index
// read-modify-write cycles; chunk files are immutable once renamed
// into place.
type Store struct {
	baseDir    string
	summarizer Summarizer
	log        *slog.Logger

	// mu serializes index read-modify-write cycles.
	mu sync.Mutex
}

// NewStore builds a Store rooted at baseDir. A nil summarizer archives
// every chunk with the placeholder summary.
func NewStore(baseDir string, summarizer Summarizer, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{baseDir: baseDir, summarizer: summarizer, log: log}
}

// =============================================================================
// Paths
// =============================================================================

func (s *Store) userDir(userID string) string {
	return filepath.Join(s.baseDir, userID, "episodic")
}

func (s *Store) archiveDir(userID string) string {
	return filepath.Join(s.userDir(userID), "archive")
}

func (s *Store) chunkPath(userID, sessionID, chunkID string) string {
	return filepath.Join(s.archiveDir(userID), sessionID+"_"+chunkID+".json")
}

func (s *Store) indexPath(userID string) string {
	return filepath.Join(s.userDir(userID), "summary_index.json")
}

// =============================================================================
// Archive
// =============================================================================

// Archive persists a pruned chunk and indexes its summary.
//
// # Description
//
// The raw turns are written first; the summary is produced by the
// summarizer (with its own retry budget) and degrades to a placeholder
// on failure. Only a filesystem error fails the call: a chunk that
// cannot be summarized is still archived and still retrievable through
// its raw content.
//
// # Inputs
//
//   - ctx: Context for cancellation; also bounds the summarizer call.
//   - chunk: The chunk to persist. ID, SessionID, UserID, and RawTurns
//     must be set; Summary is filled in here.
//
// # Outputs
//
//   - error: KindInvalidInput for a malformed chunk or unsafe
//     identifiers, KindStorage for filesystem failures.
func (s *Store) Archive(ctx context.Context, chunk *datatypes.EpisodicChunk) error {
	const op = "episodic.Archive"

	if err := chunk.Validate(); err != nil {
		return datatypes.WrapFault(datatypes.KindInvalidInput, op, "invalid chunk", err)
	}
	if err := validation.ValidateIdentifiers(chunk.UserID, chunk.SessionID, chunk.ID); err != nil {
		return datatypes.WrapFault(datatypes.KindInvalidInput, op, "unsafe identifier", err)
	}
	if err := ctx.Err(); err != nil {
		return datatypes.WrapFault(datatypes.KindCancelled, op, "context done", err)
	}

	chunk.Summary = s.summarize(ctx, chunk)

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(chunk, "", "  ")
	if err != nil {
		return datatypes.WrapFault(datatypes.KindInternal, op, "encode chunk", err)
	}
	if err := writeFileAtomic(s.chunkPath(chunk.UserID, chunk.SessionID, chunk.ID), raw); err != nil {
		return datatypes.WrapFault(datatypes.KindStorage, op, "write chunk", err)
	}

	idx, err := s.loadIndex(chunk.UserID)
	if err != nil {
		return datatypes.WrapFault(datatypes.KindStorage, op, "read index", err)
	}
	idx.Entries = append(idx.Entries, indexEntry{
		ChunkID:   chunk.ID,
		SessionID: chunk.SessionID,
		CreatedAt: chunk.CreatedAt,
		Summary:   chunk.Summary,
	})
	if err := s.writeIndex(chunk.UserID, idx); err != nil {
		return datatypes.WrapFault(datatypes.KindStorage, op, "write index", err)
	}

	s.log.InfoContext(ctx, "archived episodic chunk",
		"user_id", chunk.UserID,
		"session_id", chunk.SessionID,
		"chunk_id", chunk.ID,
		"turns", len(chunk.RawTurns),
		"summarized", chunk.Summary != PlaceholderSummary)
	return nil
}

// summarize runs the summarizer, degrading to the placeholder.
func (s *Store) summarize(ctx context.Context, chunk *datatypes.EpisodicChunk) string {
	if chunk.Summary != "" {
		return chunk.Summary
	}
	if s.summarizer == nil {
		return PlaceholderSummary
	}
	summary, err := s.summarizer.Summarize(ctx, chunk.RawTurns)
	if err != nil || strings.TrimSpace(summary) == "" {
		s.log.WarnContext(ctx, "chunk summarization failed, using placeholder",
			"chunk_id", chunk.ID,
			"error", errString(err))
		return PlaceholderSummary
	}
	return summary
}

func errString(err error) string {
	if err == nil {
		return "empty summary"
	}
	return err.Error()
}

// =============================================================================
// Retrieve
// =============================================================================

// Retrieve scores the user's archived summaries against a query.
//
// # Description
//
// Query and summaries are tokenized to lowercase word sets; a chunk
// scores the fraction of query words its summary contains. Chunks with
// a placeholder summary are scored against their raw turns. Results at
// or above the threshold come back ordered by score, most recent first
// among ties. Zero matches is an empty slice, never an error.
func (s *Store) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Hit, error) {
	const op = "episodic.Retrieve"

	if err := validation.ValidateIdentifier(opts.UserID); err != nil {
		return nil, datatypes.WrapFault(datatypes.KindInvalidInput, op, "unsafe user id", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, datatypes.WrapFault(datatypes.KindCancelled, op, "context done", err)
	}

	queryWords := tokenSet(query)
	if len(queryWords) == 0 {
		return []Hit{}, nil
	}

	idx, err := s.loadIndex(opts.UserID)
	if err != nil {
		return nil, datatypes.WrapFault(datatypes.KindStorage, op, "read index", err)
	}

	entries := idx.Entries
	if opts.SessionID != "" {
		scoped := filterSession(entries, opts.SessionID)
		// An unknown session widens to the whole archive rather than
		// returning a confident empty result.
		if len(scoped) > 0 {
			entries = scoped
		}
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = ThresholdFor(query)
	}

	hits := make([]Hit, 0, len(entries))
	for _, e := range entries {
		surface := e.Summary
		if surface == PlaceholderSummary {
			surface = s.rawSurface(ctx, opts.UserID, e)
		}
		score := overlapScore(queryWords, tokenSet(surface))
		if score >= threshold {
			hits = append(hits, Hit{
				Score:     score,
				ChunkID:   e.ChunkID,
				SessionID: e.SessionID,
				Summary:   e.Summary,
				Timestamp: e.CreatedAt,
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// rawSurface loads the raw content of a placeholder-summary chunk for
// scoring. A chunk file that cannot be read scores as empty.
func (s *Store) rawSurface(ctx context.Context, userID string, e indexEntry) string {
	chunk, err := s.readChunk(userID, e.SessionID, e.ChunkID)
	if err != nil {
		s.log.WarnContext(ctx, "failed to read chunk for raw-content scoring",
			"chunk_id", e.ChunkID,
			"error", err.Error())
		return ""
	}
	var sb strings.Builder
	for _, turn := range chunk.RawTurns {
		sb.WriteString(turn.UserInput)
		sb.WriteString(" ")
		sb.WriteString(turn.AssistantOutput)
		sb.WriteString(" ")
	}
	return sb.String()
}

// tokenSet lowercases and splits text into its word set.
func tokenSet(text string) map[string]struct{} {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// overlapScore is |query ∩ surface| / |query|.
func overlapScore(query, surface map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for w := range query {
		if _, ok := surface[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

func filterSession(entries []indexEntry, sessionID string) []indexEntry {
	scoped := make([]indexEntry, 0, len(entries))
	for _, e := range entries {
		if e.SessionID == sessionID {
			scoped = append(scoped, e)
		}
	}
	return scoped
}

// =============================================================================
// Fetch / Delete
// =============================================================================

// FetchRaw returns the archived turns of one chunk.
func (s *Store) FetchRaw(ctx context.Context, userID, chunkID string) ([]datatypes.Turn, error) {
	const op = "episodic.FetchRaw"

	if err := validation.ValidateIdentifiers(userID, chunkID); err != nil {
		return nil, datatypes.WrapFault(datatypes.KindInvalidInput, op, "unsafe identifier", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, datatypes.WrapFault(datatypes.KindCancelled, op, "context done", err)
	}

	idx, err := s.loadIndex(userID)
	if err != nil {
		return nil, datatypes.WrapFault(datatypes.KindStorage, op, "read index", err)
	}
	for _, e := range idx.Entries {
		if e.ChunkID != chunkID {
			continue
		}
		chunk, err := s.readChunk(userID, e.SessionID, e.ChunkID)
		if err != nil {
			return nil, datatypes.WrapFault(datatypes.KindStorage, op, "read chunk", err)
		}
		return chunk.RawTurns, nil
	}
	return nil, datatypes.NewFault(datatypes.KindNotFound, op, "chunk "+chunkID+" not found")
}

// DeleteSession removes a session's chunks and index entries.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	const op = "episodic.DeleteSession"

	if err := validation.ValidateIdentifiers(userID, sessionID); err != nil {
		return datatypes.WrapFault(datatypes.KindInvalidInput, op, "unsafe identifier", err)
	}
	if err := ctx.Err(); err != nil {
		return datatypes.WrapFault(datatypes.KindCancelled, op, "context done", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(userID)
	if err != nil {
		return datatypes.WrapFault(datatypes.KindStorage, op, "read index", err)
	}

	kept := make([]indexEntry, 0, len(idx.Entries))
	var removed []indexEntry
	for _, e := range idx.Entries {
		if e.SessionID == sessionID {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	idx.Entries = kept
	if err := s.writeIndex(userID, idx); err != nil {
		return datatypes.WrapFault(datatypes.KindStorage, op, "write index", err)
	}
	for _, e := range removed {
		if err := os.Remove(s.chunkPath(userID, e.SessionID, e.ChunkID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.WarnContext(ctx, "failed to remove chunk file",
				"chunk_id", e.ChunkID,
				"error", err.Error())
		}
	}
	return nil
}

// =============================================================================
// Files
// =============================================================================

func (s *Store) loadIndex(userID string) (summaryIndex, error) {
	var idx summaryIndex
	raw, err := os.ReadFile(s.indexPath(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return idx, err
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		return idx, fmt.Errorf("decode index: %w", err)
	}
	return idx, nil
}

func (s *Store) writeIndex(userID string, idx summaryIndex) error {
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.indexPath(userID), raw)
}

func (s *Store) readChunk(userID, sessionID, chunkID string) (*datatypes.EpisodicChunk, error) {
	raw, err := os.ReadFile(s.chunkPath(userID, sessionID, chunkID))
	if err != nil {
		return nil, err
	}
	var chunk datatypes.EpisodicChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", chunkID, err)
	}
	return &chunk, nil
}

// writeFileAtomic writes via a temp file and rename so readers never
// see a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
