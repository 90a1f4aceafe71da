package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/dawn/internal/history"
	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/pkg/dap2"
)

// DefaultIdleTimeout is how long a disconnected session is kept for restore.
const DefaultIdleTimeout = 10 * time.Minute

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	// Store persists session records so that sessions survive a daemon
	// restart. Nil selects an in-memory store.
	Store history.Store

	// IdleTimeout is the restore window for disconnected sessions.
	// Zero selects [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// Metrics receives session lifecycle events. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Manager owns every session. All exported methods are safe for concurrent use.
//
// The map lock guards only insertion, removal and lookup of entries; every
// state change of a session happens under that session's own entry lock, so
// a slow registration for one satellite never blocks another.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store       history.Store
	metrics     *observe.Metrics
	now         func() time.Time
	idleTimeout atomic.Int64
}

type entry struct {
	mu      sync.Mutex
	sess    Session
	owner   Owner
	removed bool
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		entries: make(map[string]*entry),
		store:   cfg.Store,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if m.store == nil {
		m.store = history.NewMemStore()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.SetIdleTimeout(cfg.IdleTimeout)
	return m
}

// SetIdleTimeout changes the restore window. Zero or negative values select
// [DefaultIdleTimeout].
func (m *Manager) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultIdleTimeout
	}
	m.idleTimeout.Store(int64(d))
}

// IdleTimeout returns the current restore window.
func (m *Manager) IdleTimeout() time.Duration {
	return time.Duration(m.idleTimeout.Load())
}

// acquire returns the locked entry for id, creating an empty one when
// create is set. The caller must unlock e.mu.
func (m *Manager) acquire(id string, create bool) (*entry, bool) {
	for {
		m.mu.RLock()
		e, ok := m.entries[id]
		m.mu.RUnlock()

		if !ok {
			if !create {
				return nil, false
			}
			m.mu.Lock()
			if e, ok = m.entries[id]; !ok {
				e = &entry{}
				m.entries[id] = e
			}
			m.mu.Unlock()
		}

		e.mu.Lock()
		if e.removed {
			// Lost a race with SweepExpired; retry against the fresh map.
			e.mu.Unlock()
			continue
		}
		return e, true
	}
}

// Register attaches owner to the session of reg.Identity, creating or
// restoring it as needed.
//
// restored is true when the returned session continues an earlier
// conversation: a disconnected session inside the idle window (in memory or
// loaded from the store after a daemon restart), or a live session whose
// previous owner is superseded. Any previous owner has Supersede called.
func (m *Manager) Register(ctx context.Context, reg dap2.Register, owner Owner) (Session, bool, error) {
	if err := reg.Validate(); err != nil {
		return Session{}, false, fmt.Errorf("session: register: %w", err)
	}
	id := strings.ToLower(reg.Identity.UUID)
	reg.Identity.UUID = id

	e, _ := m.acquire(id, true)
	defer e.mu.Unlock()

	now := m.now()
	fresh := e.sess.ID == ""
	if fresh {
		m.loadPersisted(ctx, id, e, now)
	}

	var (
		restored bool
		event    string
	)
	switch {
	case e.sess.ID == "":
		event = "created"
	case e.sess.Status == StatusConnected:
		if e.owner != nil && e.owner != owner {
			slog.Info("session superseded by new connection",
				"satellite_uuid", id, "session_id", e.sess.ID)
			e.owner.Supersede()
			m.metrics.RecordSessionEvent(ctx, "superseded")
		}
		restored = true
		event = "restored"
	case e.sess.Status == StatusDisconnected && now.Sub(e.sess.LastActivity) <= m.IdleTimeout():
		restored = true
		event = "restored"
	default:
		// Disconnected beyond the window but not yet swept: start over.
		m.deletePersisted(ctx, id)
		e.sess = Session{}
		event = "created"
	}

	if !restored {
		e.sess = Session{
			ID:        uuid.NewString(),
			HistoryID: uuid.NewString(),
			CreatedAt: now,
		}
	}
	if fresh {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}

	e.owner = owner
	e.sess.Identity = reg.Identity
	e.sess.Tier = reg.Tier
	e.sess.Capabilities = reg.Capabilities
	e.sess.ProtocolVersion = reg.NegotiatedVersion()
	e.sess.Status = StatusConnected
	e.sess.LastRegistration = now
	e.sess.LastActivity = now
	e.sess.QueryActive = false

	m.persist(ctx, e.sess)
	m.metrics.RecordSessionEvent(ctx, event)
	slog.Info("satellite registered",
		"satellite_uuid", id,
		"name", reg.Identity.Name,
		"tier", reg.Tier,
		"session_id", e.sess.ID,
		"restored", restored,
	)
	return e.sess, restored, nil
}

// loadPersisted fills a fresh entry from the store when a record exists and
// is still inside the idle window. Expired records are deleted.
func (m *Manager) loadPersisted(ctx context.Context, id string, e *entry, now time.Time) {
	rec, err := m.store.LoadSession(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("failed to load persisted session", "satellite_uuid", id, "err", err)
		return
	}
	if now.Sub(rec.LastActivity) > m.IdleTimeout() {
		m.deletePersisted(ctx, id)
		m.metrics.RecordSessionEvent(ctx, "expired")
		return
	}
	e.sess = fromRecord(rec)
}

func (m *Manager) persist(ctx context.Context, s Session) {
	if err := m.store.SaveSession(ctx, s.record()); err != nil {
		slog.Warn("failed to persist session", "satellite_uuid", s.Identity.UUID, "err", err)
	}
}

func (m *Manager) deletePersisted(ctx context.Context, id string) {
	if err := m.store.DeleteSession(ctx, id); err != nil {
		slog.Warn("failed to delete persisted session", "satellite_uuid", id, "err", err)
	}
}

// Lookup returns a snapshot of the session for id or [ErrNotFound].
func (m *Manager) Lookup(id string) (Session, error) {
	e, ok := m.acquire(strings.ToLower(id), false)
	if !ok {
		return Session{}, ErrNotFound
	}
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		return Session{}, ErrNotFound
	}
	return e.sess, nil
}

// Owner returns the live connection of the session for id.
func (m *Manager) Owner(id string) (Owner, error) {
	e, ok := m.acquire(strings.ToLower(id), false)
	if !ok {
		return nil, ErrNotFound
	}
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		return nil, ErrNotFound
	}
	if e.sess.Status != StatusConnected || e.owner == nil {
		return nil, ErrNotConnected
	}
	return e.owner, nil
}

// update runs fn on the locked session for id.
func (m *Manager) update(id string, fn func(e *entry) error) error {
	e, ok := m.acquire(strings.ToLower(id), false)
	if !ok {
		return ErrNotFound
	}
	defer e.mu.Unlock()
	if e.sess.ID == "" {
		return ErrNotFound
	}
	return fn(e)
}

// Touch records activity on the session for id.
func (m *Manager) Touch(id string) error {
	now := m.now()
	return m.update(id, func(e *entry) error {
		e.sess.LastActivity = now
		return nil
	})
}

// SetStatus stores the latest status report of the session for id.
func (m *Manager) SetStatus(id string, st dap2.Status) error {
	now := m.now()
	return m.update(id, func(e *entry) error {
		e.sess.LastStatus = &st
		e.sess.StatusAt = now
		e.sess.LastActivity = now
		return nil
	})
}

// BeginQuery marks a query as in flight on behalf of owner. It fails with
// [ErrQueryInProgress] when one already is, and with [ErrNotConnected] when
// owner no longer carries the session.
func (m *Manager) BeginQuery(id string, owner Owner) error {
	return m.update(id, func(e *entry) error {
		if e.sess.Status != StatusConnected || e.owner != owner {
			return ErrNotConnected
		}
		if e.sess.QueryActive {
			return ErrQueryInProgress
		}
		e.sess.QueryActive = true
		return nil
	})
}

// EndQuery clears the in-flight query marker. A superseded owner finishing
// late does not touch its successor's query.
func (m *Manager) EndQuery(id string, owner Owner) {
	_ = m.update(id, func(e *entry) error {
		if e.owner == owner {
			e.sess.QueryActive = false
		}
		return nil
	})
}

// MarkDisconnected moves the session for id to disconnected, provided owner
// still owns it. A superseded connection calling this is a no-op.
func (m *Manager) MarkDisconnected(ctx context.Context, id string, owner Owner) {
	now := m.now()
	var snap Session
	err := m.update(id, func(e *entry) error {
		if e.owner != owner {
			return ErrNotConnected
		}
		e.owner = nil
		e.sess.Status = StatusDisconnected
		e.sess.QueryActive = false
		e.sess.LastActivity = now
		snap = e.sess
		return nil
	})
	if err != nil {
		return
	}
	m.persist(ctx, snap)
	m.metrics.RecordSessionEvent(ctx, "disconnected")
	slog.Info("satellite disconnected", "satellite_uuid", id, "session_id", snap.ID)
}

// SweepExpired removes disconnected sessions idle for longer than the idle
// timeout at now, deleting their persisted records. It returns the removed
// identities. Removal is irreversible: a later registration starts a new
// conversation.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) []string {
	m.mu.RLock()
	candidates := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		candidates[id] = e
	}
	m.mu.RUnlock()

	idle := m.IdleTimeout()
	var expired []string
	for id, e := range candidates {
		e.mu.Lock()
		if e.removed || e.sess.Status != StatusDisconnected || now.Sub(e.sess.LastActivity) <= idle {
			e.mu.Unlock()
			continue
		}
		e.sess.Status = StatusExpired
		e.removed = true

		m.mu.Lock()
		delete(m.entries, id)
		m.mu.Unlock()
		e.mu.Unlock()

		m.deletePersisted(ctx, id)
		m.metrics.ActiveSessions.Add(ctx, -1)
		m.metrics.RecordSessionEvent(ctx, "expired")
		expired = append(expired, id)
	}
	if len(expired) > 0 {
		slog.Info("expired idle sessions", "count", len(expired))
	}
	slices.Sort(expired)
	return expired
}

// List returns snapshots of every session ordered by name then identity.
func (m *Manager) List() []Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && e.sess.ID != "" {
			out = append(out, e.sess)
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := strings.Compare(a.Identity.Name, b.Identity.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Identity.UUID, b.Identity.UUID)
	})
	return out
}

// Flush persists every session snapshot. It is called on shutdown so that
// LastActivity survives a restart.
func (m *Manager) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.List() {
		if err := m.store.SaveSession(ctx, s.record()); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.Identity.UUID, err))
		}
	}
	return errors.Join(errs...)
}
