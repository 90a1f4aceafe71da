package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		failing    map[string]bool
		wantCalled string
		wantErr    bool
	}{
		{"primary succeeds", nil, "primary", false},
		{"failover", map[string]bool{"primary": true}, "secondary", false},
		{"all fail", map[string]bool{"primary": true, "secondary": true}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var called string
			err := newGroup(3).Execute(t.Context(), func(v string) error {
				if tt.failing[v] {
					return errTest
				}
				called = v
				return nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if called != tt.wantCalled {
				t.Errorf("called = %q, want %q", called, tt.wantCalled)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenProvider(t *testing.T) {
	t.Parallel()
	fg := newGroup(2)
	for range 2 {
		_ = fg.Execute(t.Context(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if got := fg.States()["primary"]; got != StateOpen {
		t.Fatalf("primary state = %v, want open", got)
	}

	var calls []string
	_ = fg.Execute(t.Context(), func(v string) error {
		calls = append(calls, v)
		return nil
	})
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Errorf("calls = %v, want only secondary", calls)
	}
}

func TestFallbackGroup_StopsOnCancellation(t *testing.T) {
	t.Parallel()
	fg := newGroup(1)

	ctx, cancel := context.WithCancel(t.Context())
	var calls []string
	err := fg.Execute(ctx, func(v string) error {
		calls = append(calls, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only the primary", calls)
	}
	if got := fg.States()["primary"]; got != StateClosed {
		t.Errorf("primary state = %v, cancellation must not trip the breaker", got)
	}

	if err := fg.Execute(ctx, func(string) error { t.Error("fn called with done ctx"); return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("done ctx: err = %v", err)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	fg := newGroup(3)
	got, err := ExecuteWithResult(t.Context(), fg, func(v string) (int, error) {
		if v == "primary" {
			return 0, errTest
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("got %d, %v; want 42, nil", got, err)
	}
	if names := fg.Names(); len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Errorf("Names() = %v", names)
	}
}
