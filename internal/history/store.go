// Package history defines the persistence boundary of the daemon: session
// records that let a satellite's conversation survive a daemon restart, and
// the conversation turns addressed by a session's history handle.
//
// Implementations:
//   - [MemStore]: in-process, used by default and in tests
//   - sqlite.Store: single-node persistence (modernc.org/sqlite, no cgo)
//   - postgres.Store: shared persistence (pgx/v5)
//
// All implementations are safe for concurrent use.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("history: not found")

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// SessionRecord is the persisted part of a satellite session.
type SessionRecord struct {
	// UUID is the satellite identity and the record key.
	UUID string

	// SessionID is the session identifier returned in RegisterAck.
	SessionID string

	// HistoryID is the handle under which conversation turns are stored.
	HistoryID string

	Name     string
	Location string
	Tier     string

	CreatedAt        time.Time
	LastActivity     time.Time
	LastRegistration time.Time
}

// Store persists session records and conversation turns.
type Store interface {
	// LoadSession returns the record for uuid or [ErrNotFound].
	LoadSession(ctx context.Context, uuid string) (SessionRecord, error)

	// SaveSession inserts or replaces the record keyed by rec.UUID.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// DeleteSession removes the record for uuid together with all turns stored
	// under its history handle. Deleting a missing record is not an error.
	DeleteSession(ctx context.Context, uuid string) error

	// AppendTurn appends a turn to the conversation identified by historyID.
	AppendTurn(ctx context.Context, historyID string, turn Turn) error

	// Turns returns at most limit of the most recent turns for historyID in
	// chronological order. limit <= 0 returns all turns.
	Turns(ctx context.Context, historyID string, limit int) ([]Turn, error)

	// PruneOlderThan deletes turns recorded before cutoff and returns how
	// many were removed.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
