package enrich

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// CredentialSource yields the API key a backend is built with. ok is false
// when no key has been configured.
type CredentialSource interface {
	Credential(ctx context.Context) (key string, ok bool, err error)
}

// Factory builds a backend for key.
type Factory func(ctx context.Context, key string) (Enricher, error)

// Gate is an [Enricher] that resolves the credential on every call and fails
// with [ErrConfiguration] before any backend is built when none is set. The
// backend is built lazily and rebuilt when the key changes.
type Gate struct {
	src   CredentialSource
	build Factory

	mu      sync.Mutex
	key     string
	backend Enricher
}

// NewGate returns a gate over src that builds backends with build.
func NewGate(src CredentialSource, build Factory) *Gate {
	return &Gate{src: src, build: build}
}

// Enrich implements [Enricher].
func (g *Gate) Enrich(ctx context.Context, text, context string) (*lexical.Entry, error) {
	backend, err := g.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return backend.Enrich(ctx, text, context)
}

// Configured returns nil when a credential is currently available and an
// [ErrConfiguration] error otherwise.
func (g *Gate) Configured(ctx context.Context) error {
	_, err := g.credential(ctx)
	return err
}

func (g *Gate) credential(ctx context.Context) (string, error) {
	key, ok, err := g.src.Credential(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: read credential: %w", ErrConfiguration, err)
	}
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: no API key set", ErrConfiguration)
	}
	return key, nil
}

// Reset drops the cached backend so the next call rebuilds it.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.key, g.backend = "", nil
}

func (g *Gate) resolve(ctx context.Context) (Enricher, error) {
	key, err := g.credential(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backend != nil && g.key == key {
		return g.backend, nil
	}
	b, err := g.build(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: build backend: %w", ErrConfiguration, err)
	}
	g.key, g.backend = key, b
	return b, nil
}

var _ Enricher = (*Gate)(nil)
