package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/dawn/internal/history"
	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/pkg/dap2"
)

// fakeOwner records Supersede calls.
type fakeOwner struct {
	superseded atomic.Int32
}

func (o *fakeOwner) Supersede() { o.superseded.Add(1) }

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestManager(t *testing.T, store history.Store) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	if store == nil {
		store = history.NewMemStore()
	}
	m := NewManager(ManagerConfig{
		Store:       store,
		IdleTimeout: 10 * time.Minute,
		Metrics:     testMetrics(t),
		Now:         clock.Now,
	})
	return m, clock
}

func registration(id, name string) dap2.Register {
	return dap2.Register{
		Identity:        dap2.Identity{UUID: id, Name: name, Location: "home"},
		Tier:            dap2.TierFull,
		Capabilities:    dap2.Capabilities{Streaming: true},
		ProtocolVersion: 2,
	}
}

const (
	kitchen = "0b8e8a6e-9f43-4f6c-8a55-2b1a6f2d9e01"
	bedroom = "0b8e8a6e-9f43-4f6c-8a55-2b1a6f2d9e02"
)

func TestRegister_NewSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)

	s, restored, err := m.Register(t.Context(), registration(kitchen, "kitchen"), &fakeOwner{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if restored {
		t.Error("first registration reported restored")
	}
	if s.ID == "" || s.HistoryID == "" {
		t.Errorf("session ids not assigned: %+v", s)
	}
	if s.Status != StatusConnected {
		t.Errorf("status = %s, want connected", s.Status)
	}
	if s.ProtocolVersion != 2 {
		t.Errorf("protocol version = %d", s.ProtocolVersion)
	}
}

func TestRegister_InvalidRejected(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)
	reg := registration("not-a-uuid", "kitchen")
	if _, _, err := m.Register(t.Context(), reg, &fakeOwner{}); err == nil {
		t.Fatal("expected validation error")
	}
	if len(m.List()) != 0 {
		t.Error("invalid registration created a session")
	}
}

func TestRegister_ContinuityInsideIdleWindow(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, nil)
	first := &fakeOwner{}

	s1, _, err := m.Register(t.Context(), registration(kitchen, "kitchen"), first)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.MarkDisconnected(t.Context(), kitchen, first)

	got, err := m.Lookup(kitchen)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", got.Status)
	}

	clock.Advance(9 * time.Minute)
	s2, restored, err := m.Register(t.Context(), registration(kitchen, "kitchen"), &fakeOwner{})
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if !restored {
		t.Error("reconnect inside idle window not restored")
	}
	if s2.ID != s1.ID || s2.HistoryID != s1.HistoryID {
		t.Errorf("session changed: %s/%s -> %s/%s", s1.ID, s1.HistoryID, s2.ID, s2.HistoryID)
	}
	if s2.Age(clock.Now()) != 9*time.Minute {
		t.Errorf("age = %v, want 9m", s2.Age(clock.Now()))
	}
}

func TestRegister_ExpiredAfterIdleWindow(t *testing.T) {
	t.Parallel()
	store := history.NewMemStore()
	m, clock := newTestManager(t, store)
	owner := &fakeOwner{}

	s1, _, err := m.Register(t.Context(), registration(kitchen, "kitchen"), owner)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.MarkDisconnected(t.Context(), kitchen, owner)

	clock.Advance(11 * time.Minute)
	expired := m.SweepExpired(t.Context(), clock.Now())
	if len(expired) != 1 || expired[0] != kitchen {
		t.Fatalf("expired = %v, want [%s]", expired, kitchen)
	}
	if _, err := m.Lookup(kitchen); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after sweep err = %v, want ErrNotFound", err)
	}
	if _, err := store.LoadSession(t.Context(), kitchen); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("persisted record survived sweep: %v", err)
	}

	s2, restored, err := m.Register(t.Context(), registration(kitchen, "kitchen"), &fakeOwner{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if restored {
		t.Error("registration after expiry reported restored")
	}
	if s2.HistoryID == s1.HistoryID {
		t.Error("history handle reused after expiry")
	}
}

func TestRegister_ExpiredButNotYetSwept(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, nil)
	owner := &fakeOwner{}

	s1, _, _ := m.Register(t.Context(), registration(kitchen, "kitchen"), owner)
	m.MarkDisconnected(t.Context(), kitchen, owner)
	clock.Advance(time.Hour)

	s2, restored, err := m.Register(t.Context(), registration(kitchen, "kitchen"), &fakeOwner{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if restored || s2.HistoryID == s1.HistoryID {
		t.Errorf("stale session restored: restored=%v", restored)
	}
}

func TestRegister_SupersedesLiveOwner(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)
	old := &fakeOwner{}
	newer := &fakeOwner{}

	s1, _, _ := m.Register(t.Context(), registration(kitchen, "kitchen"), old)
	s2, restored, err := m.Register(t.Context(), registration(kitchen, "kitchen"), newer)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if old.superseded.Load() != 1 {
		t.Errorf("old owner superseded %d times, want 1", old.superseded.Load())
	}
	if !restored || s2.ID != s1.ID {
		t.Error("supersede must keep the session")
	}

	// The superseded connection tearing down must not disconnect the new one.
	m.MarkDisconnected(t.Context(), kitchen, old)
	got, _ := m.Lookup(kitchen)
	if got.Status != StatusConnected {
		t.Errorf("status = %s after stale disconnect, want connected", got.Status)
	}
	owner, err := m.Owner(kitchen)
	if err != nil || owner != newer {
		t.Errorf("Owner = %v, %v; want newer owner", owner, err)
	}
}

func TestRegister_RestoredAfterDaemonRestart(t *testing.T) {
	t.Parallel()
	store := history.NewMemStore()
	m1, clock := newTestManager(t, store)
	owner := &fakeOwner{}
	s1, _, _ := m1.Register(t.Context(), registration(kitchen, "kitchen"), owner)
	m1.MarkDisconnected(t.Context(), kitchen, owner)

	m2 := NewManager(ManagerConfig{Store: store, Metrics: testMetrics(t), Now: func() time.Time {
		return clock.Now().Add(2 * time.Minute)
	}})
	s2, restored, err := m2.Register(t.Context(), registration(kitchen, "kitchen"), &fakeOwner{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !restored || s2.HistoryID != s1.HistoryID {
		t.Errorf("restart restore failed: restored=%v history %s vs %s", restored, s1.HistoryID, s2.HistoryID)
	}
}

func TestSweepExpired_KeepsConnectedAndFresh(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, nil)
	a, b := &fakeOwner{}, &fakeOwner{}
	m.Register(t.Context(), registration(kitchen, "kitchen"), a)
	m.Register(t.Context(), registration(bedroom, "bedroom"), b)
	m.MarkDisconnected(t.Context(), bedroom, b)

	clock.Advance(5 * time.Minute)
	if got := m.SweepExpired(t.Context(), clock.Now()); len(got) != 0 {
		t.Errorf("swept %v inside idle window", got)
	}
	clock.Advance(time.Hour)
	got := m.SweepExpired(t.Context(), clock.Now())
	if len(got) != 1 || got[0] != bedroom {
		t.Errorf("swept %v, want only bedroom", got)
	}
	if _, err := m.Lookup(kitchen); err != nil {
		t.Errorf("connected session swept: %v", err)
	}
}

func TestBeginQuery_NoPipelining(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)
	owner := &fakeOwner{}
	m.Register(t.Context(), registration(kitchen, "kitchen"), owner)

	if err := m.BeginQuery(kitchen, owner); err != nil {
		t.Fatalf("BeginQuery: %v", err)
	}
	if err := m.BeginQuery(kitchen, owner); !errors.Is(err, ErrQueryInProgress) {
		t.Errorf("second BeginQuery err = %v, want ErrQueryInProgress", err)
	}
	m.EndQuery(kitchen, owner)
	if err := m.BeginQuery(kitchen, owner); err != nil {
		t.Errorf("BeginQuery after EndQuery: %v", err)
	}
	if err := m.BeginQuery(bedroom, owner); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session err = %v, want ErrNotFound", err)
	}
}

func TestEndQuery_IgnoresSupersededOwner(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)
	old, next := &fakeOwner{}, &fakeOwner{}
	m.Register(t.Context(), registration(kitchen, "kitchen"), old)
	if err := m.BeginQuery(kitchen, old); err != nil {
		t.Fatalf("BeginQuery: %v", err)
	}
	m.Register(t.Context(), registration(kitchen, "kitchen"), next)

	if err := m.BeginQuery(kitchen, old); !errors.Is(err, ErrNotConnected) {
		t.Errorf("superseded BeginQuery err = %v, want ErrNotConnected", err)
	}
	if err := m.BeginQuery(kitchen, next); err != nil {
		t.Fatalf("BeginQuery: %v", err)
	}
	m.EndQuery(kitchen, old)
	if s, _ := m.Lookup(kitchen); !s.QueryActive {
		t.Error("late EndQuery from superseded owner cleared the new query")
	}
}

func TestTouchAndStatus(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, nil)
	m.Register(t.Context(), registration(kitchen, "kitchen"), &fakeOwner{})

	clock.Advance(30 * time.Second)
	if err := m.Touch(kitchen); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	vol := 40
	if err := m.SetStatus(kitchen, dap2.Status{State: "idle", Volume: &vol}); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	s, _ := m.Lookup(kitchen)
	if !s.LastActivity.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", s.LastActivity, clock.Now())
	}
	if s.LastStatus == nil || s.LastStatus.State != "idle" || *s.LastStatus.Volume != 40 {
		t.Errorf("LastStatus = %+v", s.LastStatus)
	}
	if err := m.Touch(bedroom); !errors.Is(err, ErrNotFound) {
		t.Errorf("Touch unknown err = %v", err)
	}
}

func TestRegister_DifferentIdentitiesConcurrently(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("00000000-0000-4000-8000-%012d", i)
			if _, _, err := m.Register(context.Background(), registration(id, fmt.Sprintf("sat-%02d", i)), &fakeOwner{}); err != nil {
				t.Errorf("Register %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	list := m.List()
	if len(list) != n {
		t.Fatalf("List len = %d, want %d", len(list), n)
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Identity.Name > list[i].Identity.Name {
			t.Fatal("List not sorted by name")
		}
	}
}

func TestRegister_SameIdentityConcurrently(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _, err := m.Register(context.Background(), registration(kitchen, "kitchen"), &fakeOwner{})
			if err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			ids <- s.ID
		}()
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("concurrent registrations produced different sessions: %s vs %s", first, id)
		}
	}
}

func TestFlush(t *testing.T) {
	t.Parallel()
	store := history.NewMemStore()
	m, clock := newTestManager(t, store)
	m.Register(t.Context(), registration(kitchen, "kitchen"), &fakeOwner{})
	clock.Advance(time.Minute)
	m.Touch(kitchen)

	if err := m.Flush(t.Context()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rec, err := store.LoadSession(t.Context(), kitchen)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if !rec.LastActivity.Equal(clock.Now()) {
		t.Errorf("persisted LastActivity = %v, want %v", rec.LastActivity, clock.Now())
	}
}
