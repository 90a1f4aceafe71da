package history

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Data is lost when the process exits.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	turns    map[string][]Turn
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]SessionRecord),
		turns:    make(map[string][]Turn),
	}
}

// LoadSession implements [Store].
func (m *MemStore) LoadSession(_ context.Context, uuid string) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[uuid]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// SaveSession implements [Store].
func (m *MemStore) SaveSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.UUID] = rec
	return nil
}

// DeleteSession implements [Store].
func (m *MemStore) DeleteSession(_ context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[uuid]; ok {
		delete(m.turns, rec.HistoryID)
		delete(m.sessions, uuid)
	}
	return nil
}

// AppendTurn implements [Store].
func (m *MemStore) AppendTurn(_ context.Context, historyID string, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	m.turns[historyID] = append(m.turns[historyID], turn)
	return nil
}

// Turns implements [Store].
func (m *MemStore) Turns(_ context.Context, historyID string, limit int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.turns[historyID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return slices.Clone(all), nil
}

// PruneOlderThan implements [Store].
func (m *MemStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, turns := range m.turns {
		kept := slices.DeleteFunc(turns, func(t Turn) bool { return t.At.Before(cutoff) })
		n += int64(len(turns) - len(kept))
		if len(kept) == 0 {
			delete(m.turns, id)
			continue
		}
		m.turns[id] = kept
	}
	return n, nil
}

// Ping implements [Store]. It always succeeds.
func (m *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store]. It is a no-op.
func (m *MemStore) Close() error { return nil }
