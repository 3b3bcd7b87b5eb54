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
	"time"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// MessageStore defines the persistence contract for tiered messages.
//
// # Description
//
// MessageStore is the single authority over message records. All
// mutations flow through it so that the tier monotonicity rule and the
// contextual/episodic exclusivity invariant are enforced in one place.
//
// # Failure Modes
//
// Operations return *datatypes.Fault errors:
//   - KindNotFound: the referenced message or session does not exist
//   - KindConflict: the mutation would violate an invariant
//     (tier downgrade); non-retryable
//   - KindStorage: the underlying database failed; retryable
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Bulk operations are
// atomic: either every row changes or none does.
type MessageStore interface {
	// Insert persists a new message and returns its id. The message is
	// validated first; a message without an ID gets one assigned.
	Insert(ctx context.Context, msg *datatypes.Message) (string, error)

	// Get returns a message by id.
	Get(ctx context.Context, id string) (datatypes.Message, error)

	// ListContextual returns up to limit contextual messages of a
	// session, newest first. limit <= 0 means no limit.
	ListContextual(ctx context.Context, sessionID string, limit int) ([]datatypes.Message, error)

	// ListByStatus returns all messages of a session with the given
	// status, in chronological order.
	ListByStatus(ctx context.Context, sessionID string, status datatypes.MemoryStatus) ([]datatypes.Message, error)

	// UpdateRequiredTier raises a message's required tier. Downgrades
	// fail with KindConflict; the stored (higher) tier wins.
	UpdateRequiredTier(ctx context.Context, id string, level datatypes.Tier) error

	// UpdateMemoryStatus transitions a batch of messages between
	// contextual and episodic in a single atomic scope.
	UpdateMemoryStatus(ctx context.Context, ids []string, status datatypes.MemoryStatus) error

	// UpdateImportance adjusts a message's importance score by delta,
	// optionally marking it recalled. The score never goes below zero.
	UpdateImportance(ctx context.Context, id string, delta int, recalled bool) error

	// DeleteSession removes every message of a session.
	DeleteSession(ctx context.Context, sessionID string) error
}

// SessionStore defines the persistence contract for session records.
type SessionStore interface {
	// PutSession creates or replaces a session record.
	PutSession(ctx context.Context, sess datatypes.Session) error

	// GetSession returns a session by id.
	GetSession(ctx context.Context, sessionID string) (datatypes.Session, error)

	// ListSessions returns all of a user's sessions, most recently
	// active first.
	ListSessions(ctx context.Context, userID string) ([]datatypes.Session, error)

	// TouchSession updates a session's last-activity time.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// SetSessionTitle updates the session title.
	SetSessionTitle(ctx context.Context, sessionID, title string) error

	// DeleteSessionRecord removes the session record itself. Messages
	// and archives are deleted separately by their owning stores.
	DeleteSessionRecord(ctx context.Context, sessionID string) error
}

// UserStore defines the persistence contract for user records, including
// the durable fact list.
type UserStore interface {
	// GetUser returns a user record. Unknown users yield KindNotFound.
	GetUser(ctx context.Context, userID string) (datatypes.User, error)

	// PutUser creates or replaces a user record.
	PutUser(ctx context.Context, user datatypes.User) error

	// UpdateFacts applies mutate to the user's current fact list inside
	// one transaction and returns the stored result. The transaction
	// retries on write conflict, giving compare-and-set semantics for
	// concurrent turns across a user's sessions. An unknown user is
	// treated as having an empty fact list.
	UpdateFacts(ctx context.Context, userID string, mutate func(current []string) ([]string, error)) ([]string, error)
}
