// Package historytest provides a behavioural test suite shared by every
// [history.Store] implementation.
package historytest

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/MrWong99/dawn/internal/history"
)

// Run exercises store against the [history.Store] contract. newStore must
// return an empty store; it is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) history.Store) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timeEq := cmpopts.EquateApproxTime(time.Millisecond)

	t.Run("load missing session", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadSession(t.Context(), "missing")
		if !errors.Is(err, history.ErrNotFound) {
			t.Fatalf("LoadSession err = %v, want ErrNotFound", err)
		}
	})

	t.Run("save load replace", func(t *testing.T) {
		s := newStore(t)
		rec := history.SessionRecord{
			UUID:             "sat-1",
			SessionID:        "sess-1",
			HistoryID:        "hist-1",
			Name:             "kitchen",
			Location:         "ground floor",
			Tier:             "full",
			CreatedAt:        base,
			LastActivity:     base.Add(time.Minute),
			LastRegistration: base,
		}
		if err := s.SaveSession(t.Context(), rec); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		got, err := s.LoadSession(t.Context(), "sat-1")
		if err != nil {
			t.Fatalf("LoadSession: %v", err)
		}
		if diff := cmp.Diff(rec, got, timeEq); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}

		rec.LastActivity = base.Add(5 * time.Minute)
		rec.Location = "attic"
		if err := s.SaveSession(t.Context(), rec); err != nil {
			t.Fatalf("SaveSession replace: %v", err)
		}
		got, err = s.LoadSession(t.Context(), "sat-1")
		if err != nil {
			t.Fatalf("LoadSession: %v", err)
		}
		if diff := cmp.Diff(rec, got, timeEq); diff != "" {
			t.Errorf("replaced record mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("turns ordered and limited", func(t *testing.T) {
		s := newStore(t)
		texts := []string{"turn on the lights", "The lights are on.", "thanks", "You're welcome."}
		for i, text := range texts {
			role := history.RoleUser
			if i%2 == 1 {
				role = history.RoleAssistant
			}
			if err := s.AppendTurn(t.Context(), "hist-1", history.Turn{Role: role, Text: text, At: base.Add(time.Duration(i) * time.Second)}); err != nil {
				t.Fatalf("AppendTurn: %v", err)
			}
		}
		if err := s.AppendTurn(t.Context(), "hist-2", history.Turn{Role: history.RoleUser, Text: "other", At: base}); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}

		all, err := s.Turns(t.Context(), "hist-1", 0)
		if err != nil {
			t.Fatalf("Turns: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("len(all) = %d, want 4", len(all))
		}
		for i, tr := range all {
			if tr.Text != texts[i] {
				t.Errorf("all[%d] = %q, want %q", i, tr.Text, texts[i])
			}
		}

		last, err := s.Turns(t.Context(), "hist-1", 2)
		if err != nil {
			t.Fatalf("Turns: %v", err)
		}
		if len(last) != 2 || last[0].Text != "thanks" || last[1].Role != history.RoleAssistant {
			t.Errorf("last two turns = %+v", last)
		}
	})

	t.Run("delete removes record and turns", func(t *testing.T) {
		s := newStore(t)
		rec := history.SessionRecord{UUID: "sat-1", SessionID: "s", HistoryID: "hist-1", CreatedAt: base, LastActivity: base, LastRegistration: base}
		if err := s.SaveSession(t.Context(), rec); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		if err := s.AppendTurn(t.Context(), "hist-1", history.Turn{Role: history.RoleUser, Text: "hello", At: base}); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
		if err := s.DeleteSession(t.Context(), "sat-1"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := s.LoadSession(t.Context(), "sat-1"); !errors.Is(err, history.ErrNotFound) {
			t.Errorf("LoadSession after delete err = %v, want ErrNotFound", err)
		}
		turns, err := s.Turns(t.Context(), "hist-1", 0)
		if err != nil {
			t.Fatalf("Turns: %v", err)
		}
		if len(turns) != 0 {
			t.Errorf("turns after delete = %d, want 0", len(turns))
		}
		if err := s.DeleteSession(t.Context(), "sat-1"); err != nil {
			t.Errorf("second DeleteSession: %v", err)
		}
	})

	t.Run("prune older than", func(t *testing.T) {
		s := newStore(t)
		for i := range 5 {
			if err := s.AppendTurn(t.Context(), "hist-1", history.Turn{Role: history.RoleUser, Text: "t", At: base.Add(time.Duration(i) * time.Hour)}); err != nil {
				t.Fatalf("AppendTurn: %v", err)
			}
		}
		n, err := s.PruneOlderThan(t.Context(), base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("PruneOlderThan: %v", err)
		}
		if n != 2 {
			t.Errorf("pruned = %d, want 2", n)
		}
		turns, err := s.Turns(t.Context(), "hist-1", 0)
		if err != nil {
			t.Fatalf("Turns: %v", err)
		}
		if len(turns) != 3 {
			t.Errorf("remaining = %d, want 3", len(turns))
		}
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(t.Context()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
