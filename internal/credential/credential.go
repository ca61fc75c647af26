// Package credential provides the sources the enrichment gate reads its API
// key from: the environment, a static value from configuration, and a
// persistent key file managed by the "key" CLI commands.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source yields an API key. ok is false when none is configured.
type Source interface {
	Credential(ctx context.Context) (key string, ok bool, err error)
}

// Store is a Source that can be written.
type Store interface {
	Source
	Set(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// ── Static ───────────────────────────────────────────────────────────────────

// Static is a fixed key. The empty string means "not configured".
type Static string

// Credential implements [Source].
func (s Static) Credential(context.Context) (string, bool, error) {
	k := strings.TrimSpace(string(s))
	return k, k != "", nil
}

// ── Env ──────────────────────────────────────────────────────────────────────

// Env reads the key from an environment variable on every call.
type Env string

// Credential implements [Source].
func (e Env) Credential(context.Context) (string, bool, error) {
	if e == "" {
		return "", false, nil
	}
	k := strings.TrimSpace(os.Getenv(string(e)))
	return k, k != "", nil
}

// ── Chain ────────────────────────────────────────────────────────────────────

// Chain returns the first key any of its sources yields. A source error
// stops the search.
type Chain []Source

// Credential implements [Source].
func (c Chain) Credential(ctx context.Context) (string, bool, error) {
	for _, s := range c {
		if s == nil {
			continue
		}
		k, ok, err := s.Credential(ctx)
		if err != nil {
			return "", false, err
		}
		if ok {
			return k, true, nil
		}
	}
	return "", false, nil
}

// ── File ─────────────────────────────────────────────────────────────────────

// fileData is the on-disk layout of a key file.
type fileData struct {
	APIKey string `yaml:"api_key"`
}

// File persists the key in a YAML file readable only by the owner.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a store backed by path. The file need not exist.
func NewFile(path string) *File {
	return &File{path: path}
}

// DefaultPath returns the key file location under the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("credential: locate config dir: %w", err)
	}
	return filepath.Join(dir, "lexicaption", "credentials.yaml"), nil
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// Credential implements [Source]. A missing file means no key.
func (f *File) Credential(context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credential: read %q: %w", f.path, err)
	}
	var d fileData
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return "", false, fmt.Errorf("credential: parse %q: %w", f.path, err)
	}
	k := strings.TrimSpace(d.APIKey)
	return k, k != "", nil
}

// Set stores key, replacing any previous one. The file is written atomically
// with mode 0600.
func (f *File) Set(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("credential: key must not be empty")
	}
	raw, err := yaml.Marshal(fileData{APIKey: key})
	if err != nil {
		return fmt.Errorf("credential: encode: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("credential: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("credential: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: chmod: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credential: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("credential: replace %q: %w", f.path, err)
	}
	return nil
}

// Clear removes the stored key. Clearing an absent key is not an error.
func (f *File) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential: remove %q: %w", f.path, err)
	}
	return nil
}

// Mask returns key with all but its last four characters hidden.
func Mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

var (
	_ Source = Static("")
	_ Source = Env("")
	_ Source = Chain(nil)
	_ Store  = (*File)(nil)
)
