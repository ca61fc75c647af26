// Package enrich defines the contract between the lookup lifecycle and the
// backends that produce dictionary entries, the error taxonomy those backends
// report, and the credential gate that builds them on demand.
//
// A backend receives the literal text the user selected and the normalized
// caption line it came from, and returns a [lexical.Entry]. Failures are
// classified by wrapping one of [ErrConfiguration], [ErrTransport] or
// [ErrFormat]; context errors are propagated unwrapped or alongside them so
// that callers can detect timeouts with errors.Is.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/lexicaption/pkg/lexical"
)

var (
	// ErrConfiguration marks failures caused by missing or invalid setup,
	// such as an absent API key.
	ErrConfiguration = errors.New("enrich: not configured")

	// ErrTransport marks failures reaching the backend or non-success
	// responses from it.
	ErrTransport = errors.New("enrich: transport failure")

	// ErrFormat marks responses that could not be decoded into an entry.
	ErrFormat = errors.New("enrich: malformed response")
)

// Enricher produces a dictionary entry for text as used in context.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation.
type Enricher interface {
	Enrich(ctx context.Context, text, context string) (*lexical.Entry, error)
}

// Func adapts a plain function to [Enricher].
type Func func(ctx context.Context, text, context string) (*lexical.Entry, error)

// Enrich calls f.
func (f Func) Enrich(ctx context.Context, text, context string) (*lexical.Entry, error) {
	return f(ctx, text, context)
}

// Decode turns a raw model reply into an entry and injects pronunciation
// locators built from ttsBase (empty selects [lexical.DefaultTTSBaseURL]).
// Decoding failures wrap [ErrFormat].
func Decode(raw, ttsBase string) (*lexical.Entry, error) {
	e, err := lexical.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	lexical.AddPronunciation(e, ttsBase)
	return e, nil
}

// Kind names the taxonomy class of err: "configuration", "transport",
// "format", "timeout", "cancelled" or "unknown". It is used as a metric
// attribute.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

// Probe performs a minimal live lookup through e, the equivalent of a
// "test connection" button. It returns nil when a well-formed entry comes
// back.
func Probe(ctx context.Context, e Enricher) error {
	entry, err := e.Enrich(ctx, "test", "This is a test.")
	if err != nil {
		return err
	}
	if entry == nil || strings.TrimSpace(entry.Query) == "" {
		return fmt.Errorf("%w: probe returned an empty entry", ErrFormat)
	}
	return nil
}
