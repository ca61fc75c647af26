// Package mock provides a test double for the enrich.Enricher interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lexicaption/pkg/enrich"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// Call records a single invocation of Enrich.
type Call struct {
	Text    string
	Context string
}

// Enricher is a mock implementation of enrich.Enricher. EnrichFunc, when set,
// takes precedence over Entry and Err.
type Enricher struct {
	mu sync.Mutex

	Entry      *lexical.Entry
	Err        error
	EnrichFunc func(ctx context.Context, text, context string) (*lexical.Entry, error)

	calls []Call
}

// Enrich records the call and returns the configured result.
func (e *Enricher) Enrich(ctx context.Context, text, context string) (*lexical.Entry, error) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Text: text, Context: context})
	fn, entry, err := e.EnrichFunc, e.Entry, e.Err
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, context)
	}
	return entry, err
}

// Calls returns a copy of the recorded calls.
func (e *Enricher) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// CallCount returns the number of recorded calls.
func (e *Enricher) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

var _ enrich.Enricher = (*Enricher)(nil)
