// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory implements the tiered conversation memory subsystem.
//
// This file contains the BadgerDB-backed implementation of the message,
// session, and user stores.
//
// Key layout:
//
//	seq/<session_id>                 per-session insert counter
//	msg/<session_id>/<seq:%012d>     message record (chronological scan order)
//	msgid/<message_id>               message id -> primary key
//	sess/<user_id>/<session_id>      session record
//	sessowner/<session_id>           session id -> user id
//	user/<user_id>                   user record (includes remembered facts)
//
// The zero-padded sequence makes a forward prefix scan of msg/<session>/
// yield messages in insertion order, which is also chronological because
// turns within a session are serialized by the session lock.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	storage "github.com/AleutianAI/AleutianRecall/services/orchestrator/storage/badger"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// =============================================================================
// Key Construction
// =============================================================================

const (
	prefixSeq       = "seq/"
	prefixMsg       = "msg/"
	prefixMsgID     = "msgid/"
	prefixSess      = "sess/"
	prefixSessOwner = "sessowner/"
	prefixUser      = "user/"
)

// maxTxnRetries bounds retries on Badger write conflicts. Conflicts are
// rare because turns within a session are serialized; cross-session fact
// updates are the main contender.
const maxTxnRetries = 3

func seqKey(sessionID string) []byte {
	return []byte(prefixSeq + sessionID)
}

func msgKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%012d", prefixMsg, sessionID, seq))
}

func msgPrefix(sessionID string) []byte {
	return []byte(prefixMsg + sessionID + "/")
}

func msgIDKey(id string) []byte {
	return []byte(prefixMsgID + id)
}

func sessKey(userID, sessionID string) []byte {
	return []byte(prefixSess + userID + "/" + sessionID)
}

func sessPrefix(userID string) []byte {
	return []byte(prefixSess + userID + "/")
}

func sessOwnerKey(sessionID string) []byte {
	return []byte(prefixSessOwner + sessionID)
}

func userKey(userID string) []byte {
	return []byte(prefixUser + userID)
}

// =============================================================================
// Store
// =============================================================================

// BadgerStore persists messages, sessions, and users in BadgerDB.
type BadgerStore struct {
	db *storage.DB
}

// Compile-time interface checks.
var (
	_ MessageStore = (*BadgerStore)(nil)
	_ SessionStore = (*BadgerStore)(nil)
	_ UserStore    = (*BadgerStore)(nil)
)

// NewBadgerStore wraps an open database in the store implementation.
func NewBadgerStore(db *storage.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// notFound builds the NotFound fault for a missing record.
func notFound(op, what string) error {
	return datatypes.NewFault(datatypes.KindNotFound, op, what+" not found")
}

// storageFault wraps an underlying database error as retryable storage.
func storageFault(op, msg string, err error) error {
	return datatypes.WrapFault(datatypes.KindStorage, op, msg, err)
}

// getJSON reads and decodes a JSON value inside a transaction.
func getJSON(txn *badgerdb.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

// setJSON encodes and writes a JSON value inside a transaction.
func setJSON(txn *badgerdb.Txn, key []byte, in any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

// =============================================================================
// MessageStore Implementation
// =============================================================================

// Insert persists a new message, assigning an id when absent.
func (s *BadgerStore) Insert(ctx context.Context, msg *datatypes.Message) (string, error) {
	const op = "memory.Insert"

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.MemoryStatus == "" {
		msg.MemoryStatus = datatypes.MemoryContextual
	}
	if msg.RequiredTier == 0 {
		msg.RequiredTier = datatypes.TierShort
	}
	if err := msg.Validate(); err != nil {
		return "", datatypes.WrapFault(datatypes.KindInvalidInput, op, "invalid message", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
			seq, err := nextSeq(txn, msg.SessionID)
			if err != nil {
				return err
			}
			primary := msgKey(msg.SessionID, seq)
			if err := setJSON(txn, primary, msg); err != nil {
				return err
			}
			return txn.Set(msgIDKey(msg.ID), primary)
		})
		if err == nil {
			return msg.ID, nil
		}
		if !errors.Is(err, badgerdb.ErrConflict) {
			return "", storageFault(op, "put message", err)
		}
		lastErr = err
	}
	return "", storageFault(op, "put message after retries", lastErr)
}

// nextSeq increments and returns the per-session insert counter.
func nextSeq(txn *badgerdb.Txn, sessionID string) (uint64, error) {
	var seq uint64
	item, err := txn.Get(seqKey(sessionID))
	switch {
	case err == nil:
		err = item.Value(func(val []byte) error {
			parsed, perr := strconv.ParseUint(string(val), 10, 64)
			if perr != nil {
				return perr
			}
			seq = parsed
			return nil
		})
		if err != nil {
			return 0, err
		}
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		seq = 0
	default:
		return 0, err
	}

	seq++
	if err := txn.Set(seqKey(sessionID), []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

// Get returns a message by id.
func (s *BadgerStore) Get(ctx context.Context, id string) (datatypes.Message, error) {
	const op = "memory.Get"

	var msg datatypes.Message
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		primary, err := resolveMsgKey(txn, id)
		if err != nil {
			return err
		}
		return getJSON(txn, primary, &msg)
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return datatypes.Message{}, notFound(op, "message "+id)
	}
	if err != nil {
		return datatypes.Message{}, storageFault(op, "read message", err)
	}
	return msg, nil
}

// resolveMsgKey maps a message id to its primary key.
func resolveMsgKey(txn *badgerdb.Txn, id string) ([]byte, error) {
	item, err := txn.Get(msgIDKey(id))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// ListContextual returns up to limit contextual messages, newest first.
func (s *BadgerStore) ListContextual(ctx context.Context, sessionID string, limit int) ([]datatypes.Message, error) {
	const op = "memory.ListContextual"

	msgs, err := s.scanSession(ctx, sessionID, func(m *datatypes.Message) bool {
		return m.MemoryStatus == datatypes.MemoryContextual
	})
	if err != nil {
		return nil, storageFault(op, "scan session", err)
	}

	// Chronological scan order, reversed for newest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// ListByStatus returns a session's messages with the given status in
// chronological order.
func (s *BadgerStore) ListByStatus(ctx context.Context, sessionID string, status datatypes.MemoryStatus) ([]datatypes.Message, error) {
	const op = "memory.ListByStatus"

	if !status.Valid() {
		return nil, datatypes.NewFault(datatypes.KindInvalidInput, op, "invalid status "+string(status))
	}
	msgs, err := s.scanSession(ctx, sessionID, func(m *datatypes.Message) bool {
		return m.MemoryStatus == status
	})
	if err != nil {
		return nil, storageFault(op, "scan session", err)
	}
	return msgs, nil
}

// scanSession walks a session's messages chronologically, keeping those
// accepted by the filter.
func (s *BadgerStore) scanSession(ctx context.Context, sessionID string, keep func(*datatypes.Message) bool) ([]datatypes.Message, error) {
	var msgs []datatypes.Message
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		return storage.ScanPrefix(txn, msgPrefix(sessionID), func(key, value []byte) error {
			var m datatypes.Message
			if err := json.Unmarshal(value, &m); err != nil {
				return fmt.Errorf("decode %s: %w", string(key), err)
			}
			if keep == nil || keep(&m) {
				msgs = append(msgs, m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// UpdateRequiredTier raises a message's required tier. The monotonic
// rule rejects downgrades with KindConflict.
func (s *BadgerStore) UpdateRequiredTier(ctx context.Context, id string, level datatypes.Tier) error {
	const op = "memory.UpdateRequiredTier"

	if !level.Valid() {
		return datatypes.NewFault(datatypes.KindInvalidInput, op, fmt.Sprintf("invalid tier %d", level))
	}

	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		primary, err := resolveMsgKey(txn, id)
		if err != nil {
			return err
		}
		var msg datatypes.Message
		if err := getJSON(txn, primary, &msg); err != nil {
			return err
		}
		if level < msg.RequiredTier {
			return datatypes.NewFault(datatypes.KindConflict, op,
				fmt.Sprintf("tier downgrade %d -> %d for message %s", msg.RequiredTier, level, id))
		}
		if level == msg.RequiredTier {
			return nil
		}
		msg.RequiredTier = level
		return setJSON(txn, primary, &msg)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		return notFound(op, "message "+id)
	case datatypes.IsConflict(err):
		return err
	default:
		return storageFault(op, "update tier", err)
	}
}

// UpdateMemoryStatus transitions a batch of messages in one transaction.
func (s *BadgerStore) UpdateMemoryStatus(ctx context.Context, ids []string, status datatypes.MemoryStatus) error {
	const op = "memory.UpdateMemoryStatus"

	if !status.Valid() {
		return datatypes.NewFault(datatypes.KindInvalidInput, op, "invalid status "+string(status))
	}
	if len(ids) == 0 {
		return nil
	}

	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		for _, id := range ids {
			primary, err := resolveMsgKey(txn, id)
			if err != nil {
				return fmt.Errorf("message %s: %w", id, err)
			}
			var msg datatypes.Message
			if err := getJSON(txn, primary, &msg); err != nil {
				return fmt.Errorf("message %s: %w", id, err)
			}
			if msg.MemoryStatus == status {
				continue
			}
			msg.MemoryStatus = status
			if err := setJSON(txn, primary, &msg); err != nil {
				return fmt.Errorf("message %s: %w", id, err)
			}
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		return datatypes.WrapFault(datatypes.KindNotFound, op, "bulk status update", err)
	default:
		return storageFault(op, "bulk status update", err)
	}
}

// UpdateImportance adjusts a message's importance score by delta. The
// score is floored at zero. When recalled is set, the message is also
// marked as having returned from the archive.
func (s *BadgerStore) UpdateImportance(ctx context.Context, id string, delta int, recalled bool) error {
	const op = "memory.UpdateImportance"

	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		primary, err := resolveMsgKey(txn, id)
		if err != nil {
			return err
		}
		var msg datatypes.Message
		if err := getJSON(txn, primary, &msg); err != nil {
			return err
		}
		msg.ImportanceScore += delta
		if msg.ImportanceScore < 0 {
			msg.ImportanceScore = 0
		}
		if recalled {
			msg.WasRecalled = true
		}
		// Recalled messages carry a minimum score of 2 so one prune
		// cycle cannot immediately re-archive what a recall surfaced.
		if msg.WasRecalled && msg.ImportanceScore < 2 {
			msg.ImportanceScore = 2
		}
		return setJSON(txn, primary, &msg)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		return notFound(op, "message "+id)
	default:
		return storageFault(op, "update importance", err)
	}
}

// DeleteSession removes every message of a session plus its counter.
func (s *BadgerStore) DeleteSession(ctx context.Context, sessionID string) error {
	const op = "memory.DeleteSession"

	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		// Collect message ids first so their id index entries go too.
		var ids []string
		if err := storage.ScanPrefix(txn, msgPrefix(sessionID), func(key, value []byte) error {
			var m datatypes.Message
			if err := json.Unmarshal(value, &m); err != nil {
				return err
			}
			ids = append(ids, m.ID)
			return nil
		}); err != nil {
			return err
		}

		if _, err := storage.DeletePrefix(txn, msgPrefix(sessionID)); err != nil {
			return err
		}
		for _, id := range ids {
			if err := txn.Delete(msgIDKey(id)); err != nil {
				return err
			}
		}
		err := txn.Delete(seqKey(sessionID))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return storageFault(op, "delete session messages", err)
	}
	return nil
}

// =============================================================================
// SessionStore Implementation
// =============================================================================

// PutSession creates or replaces a session record.
func (s *BadgerStore) PutSession(ctx context.Context, sess datatypes.Session) error {
	const op = "memory.PutSession"

	if sess.ID == "" || sess.UserID == "" {
		return datatypes.NewFault(datatypes.KindInvalidInput, op, "session id and user id are required")
	}
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if err := setJSON(txn, sessKey(sess.UserID, sess.ID), &sess); err != nil {
			return err
		}
		return txn.Set(sessOwnerKey(sess.ID), []byte(sess.UserID))
	})
	if err != nil {
		return storageFault(op, "put session", err)
	}
	return nil
}

// GetSession returns a session record by id.
func (s *BadgerStore) GetSession(ctx context.Context, sessionID string) (datatypes.Session, error) {
	const op = "memory.GetSession"

	var sess datatypes.Session
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		owner, err := txn.Get(sessOwnerKey(sessionID))
		if err != nil {
			return err
		}
		userID, err := owner.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, sessKey(string(userID), sessionID), &sess)
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return datatypes.Session{}, notFound(op, "session "+sessionID)
	}
	if err != nil {
		return datatypes.Session{}, storageFault(op, "read session", err)
	}
	return sess, nil
}

// ListSessions returns a user's sessions, most recently active first.
func (s *BadgerStore) ListSessions(ctx context.Context, userID string) ([]datatypes.Session, error) {
	const op = "memory.ListSessions"

	var sessions []datatypes.Session
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		return storage.ScanPrefix(txn, sessPrefix(userID), func(key, value []byte) error {
			var sess datatypes.Session
			if err := json.Unmarshal(value, &sess); err != nil {
				return fmt.Errorf("decode %s: %w", string(key), err)
			}
			sessions = append(sessions, sess)
			return nil
		})
	})
	if err != nil {
		return nil, storageFault(op, "scan sessions", err)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

// TouchSession updates the last-activity time of a session.
func (s *BadgerStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	return s.mutateSession(ctx, "memory.TouchSession", sessionID, func(sess *datatypes.Session) {
		sess.LastActivityAt = at
	})
}

// SetSessionTitle updates the session title.
func (s *BadgerStore) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	return s.mutateSession(ctx, "memory.SetSessionTitle", sessionID, func(sess *datatypes.Session) {
		sess.Title = title
	})
}

// mutateSession applies fn to a session record inside one transaction.
func (s *BadgerStore) mutateSession(ctx context.Context, op, sessionID string, fn func(*datatypes.Session)) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		owner, err := txn.Get(sessOwnerKey(sessionID))
		if err != nil {
			return err
		}
		userID, err := owner.ValueCopy(nil)
		if err != nil {
			return err
		}
		key := sessKey(string(userID), sessionID)
		var sess datatypes.Session
		if err := getJSON(txn, key, &sess); err != nil {
			return err
		}
		fn(&sess)
		return setJSON(txn, key, &sess)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, badgerdb.ErrKeyNotFound):
		return notFound(op, "session "+sessionID)
	default:
		return storageFault(op, "mutate session", err)
	}
}

// DeleteSessionRecord removes the session record and owner index.
func (s *BadgerStore) DeleteSessionRecord(ctx context.Context, sessionID string) error {
	const op = "memory.DeleteSessionRecord"

	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		owner, err := txn.Get(sessOwnerKey(sessionID))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil // already gone
		}
		if err != nil {
			return err
		}
		userID, err := owner.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(sessKey(string(userID), sessionID)); err != nil {
			return err
		}
		return txn.Delete(sessOwnerKey(sessionID))
	})
	if err != nil {
		return storageFault(op, "delete session record", err)
	}
	return nil
}

// =============================================================================
// UserStore Implementation
// =============================================================================

// GetUser returns a user record.
func (s *BadgerStore) GetUser(ctx context.Context, userID string) (datatypes.User, error) {
	const op = "memory.GetUser"

	var user datatypes.User
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		return getJSON(txn, userKey(userID), &user)
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return datatypes.User{}, notFound(op, "user "+userID)
	}
	if err != nil {
		return datatypes.User{}, storageFault(op, "read user", err)
	}
	return user, nil
}

// PutUser creates or replaces a user record.
func (s *BadgerStore) PutUser(ctx context.Context, user datatypes.User) error {
	const op = "memory.PutUser"

	if user.UserID == "" {
		return datatypes.NewFault(datatypes.KindInvalidInput, op, "user id is required")
	}
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return setJSON(txn, userKey(user.UserID), &user)
	})
	if err != nil {
		return storageFault(op, "put user", err)
	}
	return nil
}

// UpdateFacts applies mutate to the stored fact list with retry on write
// conflict. Turns from different sessions of the same user race here;
// Badger's conflict detection plus retry gives last-writer-correct
// compare-and-set behavior.
func (s *BadgerStore) UpdateFacts(ctx context.Context, userID string, mutate func(current []string) ([]string, error)) ([]string, error) {
	const op = "memory.UpdateFacts"

	var result []string
	var lastErr error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
			var user datatypes.User
			err := getJSON(txn, userKey(userID), &user)
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				user = datatypes.User{UserID: userID}
			} else if err != nil {
				return err
			}

			updated, err := mutate(user.RememberedFacts)
			if err != nil {
				return err
			}
			user.RememberedFacts = updated
			result = updated
			return setJSON(txn, userKey(userID), &user)
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, badgerdb.ErrConflict) {
			var f *datatypes.Fault
			if errors.As(err, &f) {
				return nil, err
			}
			return nil, storageFault(op, "update facts", err)
		}
		lastErr = err
	}
	return nil, storageFault(op, "update facts after retries", lastErr)
}
