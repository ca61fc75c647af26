package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc applies a reloaded config. An error is logged and does not
// roll the watcher back: next stays current.
type ChangeFunc func(ctx context.Context, prev, next *Config) error

// Watcher polls a config file and hands each valid edit that changes a
// setting to a [ChangeFunc]. Invalid edits are logged and the previous
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
	mtime   time.Time
	missing bool
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger. Default: [slog.Default].
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: 5 * time.Second, log: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	cfg, sum, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.sum, w.mtime = cfg, sum, mtime
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done, then returns nil.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.Check(ctx, onChange); err != nil {
				w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Check reads the file once. It reports whether a new config was accepted,
// and returns an error when the file exists but does not load. Editors that
// replace the file may leave it briefly missing; that is logged once and
// not an error.
func (w *Watcher) Check(ctx context.Context, onChange ChangeFunc) (bool, error) {
	info, err := os.Stat(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		w.mu.Lock()
		first := !w.missing
		w.missing = true
		w.mu.Unlock()
		if first {
			w.log.Debug("config: file missing, waiting for it to return", "path", w.path)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.missing = false
	unchanged := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	next, sum, mtime, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.mtime = mtime
	if sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	w.sum = sum
	prev := w.current
	if !Diff(prev, next).Changed() {
		// Comments or formatting only.
		w.mu.Unlock()
		return false, nil
	}
	w.current = next
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path)
	if onChange != nil {
		if err := onChange(ctx, prev, next); err != nil {
			w.log.Warn("config: reload applied partially", "path", w.path, "err", err)
		}
	}
	return true, nil
}

// read loads, hashes and validates the file.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var sum [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, sum, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, sum, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, sum, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
