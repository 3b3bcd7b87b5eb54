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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianRecall/pkg/validation"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// =============================================================================
// Snapshot Files
// =============================================================================

// ContextSnapshot is the persisted runtime state of one session, written
// to context.json after every finalized turn and read back when the
// session's engine is rebuilt.
type ContextSnapshot struct {
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	CurrentSummary string    `json:"current_summary"`
	TurnCount      int       `json:"turn_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SnapshotWriter maintains the per-session snapshot directory:
//
//	<base>/<user_id>/<session_id>/transcript.json
//	<base>/<user_id>/<session_id>/context.json
//
// # Description
//
// transcript.json is the append-only list of finalized turns, kept as a
// plain export alongside the message store. context.json carries the
// rolling summary so a restarted engine resumes mid-conversation
// instead of greeting the user cold.
//
// # Thread Safety
//
// Safe across sessions. Within one session the engine serializes turns,
// which is what makes the transcript's read-modify-write cycle safe; do
// not write the same session from two goroutines.
type SnapshotWriter struct {
	baseDir string
	log     *slog.Logger
}

// NewSnapshotWriter builds a SnapshotWriter rooted at baseDir.
func NewSnapshotWriter(baseDir string, log *slog.Logger) *SnapshotWriter {
	if log == nil {
		log = slog.Default()
	}
	return &SnapshotWriter{baseDir: baseDir, log: log}
}

func (w *SnapshotWriter) sessionDir(userID, sessionID string) string {
	return filepath.Join(w.baseDir, userID, sessionID)
}

func (w *SnapshotWriter) transcriptPath(userID, sessionID string) string {
	return filepath.Join(w.sessionDir(userID, sessionID), "transcript.json")
}

func (w *SnapshotWriter) contextPath(userID, sessionID string) string {
	return filepath.Join(w.sessionDir(userID, sessionID), "context.json")
}

// =============================================================================
// Transcript
// =============================================================================

// AppendTurn adds one finalized turn to the session transcript.
//
// # Outputs
//
//   - error: KindInvalidInput for unsafe identifiers, KindStorage for
//     filesystem failures.
func (w *SnapshotWriter) AppendTurn(userID, sessionID string, turn datatypes.Turn) error {
	const op = "conversation.AppendTurn"

	if err := validation.ValidateIdentifiers(userID, sessionID); err != nil {
		return datatypes.WrapFault(datatypes.KindInvalidInput, op, "unsafe identifier", err)
	}

	turns, err := w.readTranscript(userID, sessionID)
	if err != nil {
		return datatypes.WrapFault(datatypes.KindStorage, op, "read transcript", err)
	}
	turns = append(turns, turn)

	raw, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return datatypes.WrapFault(datatypes.KindInternal, op, "encode transcript", err)
	}
	if err := writeSnapshotFile(w.transcriptPath(userID, sessionID), raw); err != nil {
		return datatypes.WrapFault(datatypes.KindStorage, op, "write transcript", err)
	}
	return nil
}

// readTranscript loads the transcript; a missing file is an empty one.
func (w *SnapshotWriter) readTranscript(userID, sessionID string) ([]datatypes.Turn, error) {
	raw, err := os.ReadFile(w.transcriptPath(userID, sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turns []datatypes.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return turns, nil
}

// =============================================================================
// Context
// =============================================================================

// WriteContext replaces the session's context.json.
func (w *SnapshotWriter) WriteContext(snap ContextSnapshot) error {
	const op = "conversation.WriteContext"

	if err := validation.ValidateIdentifiers(snap.UserID, snap.SessionID); err != nil {
		return datatypes.WrapFault(datatypes.KindInvalidInput, op, "unsafe identifier", err)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return datatypes.WrapFault(datatypes.KindInternal, op, "encode context", err)
	}
	if err := writeSnapshotFile(w.contextPath(snap.UserID, snap.SessionID), raw); err != nil {
		return datatypes.WrapFault(datatypes.KindStorage, op, "write context", err)
	}
	return nil
}

// LoadContext reads the session's context.json. A session that never
// finalized a turn has no file; that comes back as a zero snapshot, not
// an error.
func (w *SnapshotWriter) LoadContext(userID, sessionID string) (ContextSnapshot, error) {
	const op = "conversation.LoadContext"

	var snap ContextSnapshot
	if err := validation.ValidateIdentifiers(userID, sessionID); err != nil {
		return snap, datatypes.WrapFault(datatypes.KindInvalidInput, op, "unsafe identifier", err)
	}

	raw, err := os.ReadFile(w.contextPath(userID, sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, datatypes.WrapFault(datatypes.KindStorage, op, "read context", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, datatypes.WrapFault(datatypes.KindStorage, op, "decode context", err)
	}
	return snap, nil
}

// =============================================================================
// Delete
// =============================================================================

// DeleteSession removes the session's snapshot directory.
func (w *SnapshotWriter) DeleteSession(userID, sessionID string) error {
	const op = "conversation.DeleteSnapshots"

	if err := validation.ValidateIdentifiers(userID, sessionID); err != nil {
		return datatypes.WrapFault(datatypes.KindInvalidInput, op, "unsafe identifier", err)
	}
	if err := os.RemoveAll(w.sessionDir(userID, sessionID)); err != nil {
		return datatypes.WrapFault(datatypes.KindStorage, op, "remove session dir", err)
	}
	return nil
}

// writeSnapshotFile writes via a temp file and rename so a crashed
// write never leaves a truncated snapshot.
func writeSnapshotFile(path string, data []byte) error {
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
