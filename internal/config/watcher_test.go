package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/dawn/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
keepalive:
  interval: 60s
providers:
  llm:
    name: openai
  tts:
    name: coqui
`

const watcherUpdatedYAML = `
server:
  log_level: debug
keepalive:
  interval: 45s
providers:
  llm:
    name: openai
  tts:
    name: coqui
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// rewrite replaces the file and moves its mtime forward so a check sees it
// even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string, step int) {
	t.Helper()
	writeFile(t, path, content)
	touch(t, path, step)
}

func touch(t *testing.T, path string, step int) {
	t.Helper()
	at := time.Now().Add(time.Duration(step) * time.Second)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func newTestWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dawnd.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, onChange)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newTestWatcher(t, watcherValidYAML, nil)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want %q", got, config.LogInfo)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("NewWatcher on a missing file succeeded")
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()

	var calls []*config.Config
	var old *config.Config
	w, path := newTestWatcher(t, watcherValidYAML, func(o, n *config.Config) {
		old = o
		calls = append(calls, n)
	})

	changed, err := w.Check()
	if err != nil || changed {
		t.Fatalf("Check on an untouched file = %v, %v", changed, err)
	}

	touch(t, path, 1)
	if changed, err := w.Check(); err != nil || changed {
		t.Errorf("Check after touch = %v, %v; want no change", changed, err)
	}

	rewrite(t, path, watcherInvalidYAML, 2)
	if changed, err := w.Check(); err == nil || changed {
		t.Errorf("Check on invalid file = %v, %v; want error", changed, err)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("after invalid edit log_level = %q, want previous %q", got, config.LogInfo)
	}

	rewrite(t, path, watcherUpdatedYAML, 3)
	if changed, err := w.Check(); err != nil || !changed {
		t.Fatalf("Check after edit = %v, %v; want change", changed, err)
	}
	if len(calls) != 1 {
		t.Fatalf("onChange called %d times, want 1", len(calls))
	}
	if old.Server.LogLevel != config.LogInfo || calls[0].Server.LogLevel != config.LogDebug {
		t.Errorf("onChange(old=%q, new=%q)", old.Server.LogLevel, calls[0].Server.LogLevel)
	}
	if w.Current() != calls[0] {
		t.Error("Current does not return the reloaded config")
	}
	if d := config.Diff(old, calls[0]); !d.LogLevelChanged || !d.KeepaliveChanged || len(d.RestartRequired) != 0 {
		t.Errorf("Diff = %+v", d)
	}
}

func TestWatcher_Run(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dawnd.yaml")
	writeFile(t, path, watcherValidYAML)

	reloaded := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(_, n *config.Config) {
		select {
		case reloaded <- n:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	rewrite(t, path, watcherUpdatedYAML, 1)
	select {
	case cfg := <-reloaded:
		if cfg.Keepalive.Interval != 45*time.Second {
			t.Errorf("keepalive interval = %v, want 45s", cfg.Keepalive.Interval)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not pick up the edit")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
