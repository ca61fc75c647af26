package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/lexicaption/pkg/enrich"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// EnrichFallback implements [enrich.Enricher] with automatic failover across
// several dictionary backends. Each backend has its own circuit breaker.
//
// A lookup the caller abandoned (a superseded or dismissed request) ends
// failover and does not count against any breaker.
type EnrichFallback struct {
	group *FallbackGroup[enrich.Enricher]
}

// Compile-time interface assertion.
var _ enrich.Enricher = (*EnrichFallback)(nil)

// NewEnrichFallback creates an [EnrichFallback] with primary as the preferred
// backend.
func NewEnrichFallback(primary enrich.Enricher, primaryName string, cfg FallbackConfig) *EnrichFallback {
	cfg.Stop = abandoned
	cfg.CircuitBreaker.IsFailure = func(err error) bool { return !abandoned(err) }
	return &EnrichFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

func abandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// AddFallback registers an additional backend.
func (f *EnrichFallback) AddFallback(name string, e enrich.Enricher) {
	f.group.AddFallback(name, e)
}

// Backends returns the backend names in the order they are tried.
func (f *EnrichFallback) Backends() []string { return f.group.Names() }

// State returns the breaker state of the backend called name.
func (f *EnrichFallback) State(name string) (State, bool) { return f.group.State(name) }

// Enrich asks the first healthy backend. When every backend fails the
// error wraps [ErrAllFailed] and the last backend's error, so that
// [enrich.Kind] still classifies it.
func (f *EnrichFallback) Enrich(ctx context.Context, text, context string) (*lexical.Entry, error) {
	return ExecuteWithResult(f.group, func(e enrich.Enricher) (*lexical.Entry, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return e.Enrich(ctx, text, context)
	})
}
