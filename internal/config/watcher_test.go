package config_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lexicaption/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
engine:
  update_delay: 150ms
enrichment:
  name: gemini
`

const watcherUpdatedYAML = `
server:
  log_level: debug
engine:
  update_delay: 250ms
enrichment:
  name: gemini
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// writeConfig writes content and moves the mtime forward so each write is
// seen regardless of filesystem timestamp resolution.
func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	next := time.Now().Add(time.Duration(len(content)) * time.Second)
	if err := os.Chtimes(path, next, next); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func newWatcher(t *testing.T, content string) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lexicaption.yaml")
	writeConfig(t, path, content)
	w, err := config.NewWatcher(path,
		config.WithInterval(10*time.Millisecond),
		config.WithWatchLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

// changes records ChangeFunc calls.
type changes struct {
	mu    sync.Mutex
	pairs [][2]*config.Config
	err   error
}

func (c *changes) apply(_ context.Context, prev, next *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs = append(c.pairs, [2]*config.Config{prev, next})
	return c.err
}

func (c *changes) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Engine.UpdateDelay != 150*time.Millisecond {
		t.Errorf("update_delay = %v, want 150ms", cfg.Engine.UpdateDelay)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_CheckAppliesEdit(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)
	rec := &changes{}

	if changed, err := w.Check(context.Background(), rec.apply); changed || err != nil {
		t.Fatalf("Check before edit = %v, %v; want no change", changed, err)
	}

	writeConfig(t, path, watcherUpdatedYAML)
	changed, err := w.Check(context.Background(), rec.apply)
	if err != nil || !changed {
		t.Fatalf("Check after edit = %v, %v; want a change", changed, err)
	}
	if rec.len() != 1 {
		t.Fatalf("callbacks = %d, want 1", rec.len())
	}
	prev, next := rec.pairs[0][0], rec.pairs[0][1]
	if prev.Server.LogLevel != config.LogInfo || next.Server.LogLevel != config.LogDebug {
		t.Errorf("levels %q -> %q, want info -> debug", prev.Server.LogLevel, next.Server.LogLevel)
	}
	if w.Current() != next {
		t.Error("Current() is not the accepted config")
	}
}

func TestWatcher_InvalidEditKeepsConfig(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)
	before := w.Current()
	rec := &changes{}

	writeConfig(t, path, watcherInvalidYAML)
	if changed, err := w.Check(context.Background(), rec.apply); changed || err == nil {
		t.Fatalf("Check = %v, %v; want a rejected reload", changed, err)
	}
	if w.Current() != before || rec.len() != 0 {
		t.Error("invalid edit replaced the config")
	}

	// Fixing the file is picked up again.
	writeConfig(t, path, watcherUpdatedYAML)
	if changed, err := w.Check(context.Background(), rec.apply); !changed || err != nil {
		t.Fatalf("Check after fix = %v, %v", changed, err)
	}
}

func TestWatcher_CosmeticEditIgnored(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)
	rec := &changes{}

	writeConfig(t, path, "# tuned for lecture videos\n"+watcherValidYAML)
	if changed, err := w.Check(context.Background(), rec.apply); changed || err != nil {
		t.Fatalf("Check = %v, %v; want comment-only edit ignored", changed, err)
	}
	if rec.len() != 0 {
		t.Errorf("callbacks = %d, want 0", rec.len())
	}
}

func TestWatcher_MissingFileIsTolerated(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)
	before := w.Current()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if changed, err := w.Check(context.Background(), nil); changed || err != nil {
		t.Fatalf("Check with file gone = %v, %v", changed, err)
	}
	if w.Current() != before {
		t.Error("config changed while the file was missing")
	}

	writeConfig(t, path, watcherUpdatedYAML)
	if changed, err := w.Check(context.Background(), nil); !changed || err != nil {
		t.Fatalf("Check after the file returned = %v, %v", changed, err)
	}
}

func TestWatcher_CallbackErrorKeepsNext(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)
	rec := &changes{err: errors.New("restart required")}

	writeConfig(t, path, watcherUpdatedYAML)
	if changed, err := w.Check(context.Background(), rec.apply); !changed || err != nil {
		t.Fatalf("Check = %v, %v; callback errors are not reload errors", changed, err)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Error("next config not kept after a callback error")
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	w, path := newWatcher(t, watcherValidYAML)
	rec := &changes{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, rec.apply) }()

	writeConfig(t, path, watcherUpdatedYAML)
	deadline := time.Now().Add(2 * time.Second)
	for rec.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.len() != 1 {
		t.Errorf("callbacks = %d, want 1", rec.len())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
