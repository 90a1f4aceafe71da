// Package session tracks one logical conversation per satellite identity.
//
// A [Session] outlives the transport connections that carry it: a satellite
// that drops off Wi-Fi and reconnects inside the idle window gets the same
// session and conversation history back. The [Manager] is the only shared
// mutable state between connections; operations on different identities
// never wait on each other.
package session

import (
	"errors"
	"time"

	"github.com/MrWong99/dawn/internal/history"
	"github.com/MrWong99/dawn/pkg/dap2"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusExpired      Status = "expired"
)

var (
	// ErrNotFound is returned when no session exists for an identity.
	ErrNotFound = errors.New("session: not found")

	// ErrNotConnected is returned when an operation requires a live connection.
	ErrNotConnected = errors.New("session: not connected")

	// ErrQueryInProgress is returned by [Manager.BeginQuery] while a previous
	// query on the same session has not reached its end marker.
	ErrQueryInProgress = errors.New("session: query in progress")
)

// Owner is the live connection that currently carries a session.
type Owner interface {
	// Supersede is called when a newer connection registers the same
	// identity. It must not block.
	Supersede()
}

// Session is a point-in-time snapshot of a satellite session.
type Session struct {
	// ID is the session identifier returned in RegisterAck.
	ID string

	// HistoryID is the conversation-history handle. It survives reconnects
	// inside the idle window and is replaced when the session expires.
	HistoryID string

	Identity        dap2.Identity
	Tier            dap2.Tier
	Capabilities    dap2.Capabilities
	ProtocolVersion int
	Status          Status

	CreatedAt        time.Time
	LastActivity     time.Time
	LastRegistration time.Time

	// LastStatus is the most recent Status report, or nil.
	LastStatus *dap2.Status
	StatusAt   time.Time

	// QueryActive is true between BeginQuery and EndQuery.
	QueryActive bool
}

// Age returns how long the conversation has existed at now.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

func (s Session) record() history.SessionRecord {
	return history.SessionRecord{
		UUID:             s.Identity.UUID,
		SessionID:        s.ID,
		HistoryID:        s.HistoryID,
		Name:             s.Identity.Name,
		Location:         s.Identity.Location,
		Tier:             string(s.Tier),
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.LastActivity,
		LastRegistration: s.LastRegistration,
	}
}

func fromRecord(rec history.SessionRecord) Session {
	return Session{
		ID:        rec.SessionID,
		HistoryID: rec.HistoryID,
		Identity: dap2.Identity{
			UUID:     rec.UUID,
			Name:     rec.Name,
			Location: rec.Location,
		},
		Tier:             dap2.Tier(rec.Tier),
		Status:           StatusDisconnected,
		CreatedAt:        rec.CreatedAt,
		LastActivity:     rec.LastActivity,
		LastRegistration: rec.LastRegistration,
	}
}
