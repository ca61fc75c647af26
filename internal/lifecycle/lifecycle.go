// Package lifecycle coordinates lookup requests so that at most one is
// current at any time.
//
// Starting a lookup marks the current one cancelled, shows a loading panel
// and calls the enrichment backend on its own goroutine. Marking is only a
// flag checked when the reply arrives: a superseded call keeps running to
// completion. The completion is posted back to the engine loop, where it is
// applied only if its request is still the current one; late completions of
// superseded or dismissed requests are dropped and counted. [Manager.Close]
// is the only operation that aborts calls in flight.
//
// A Manager is not safe for concurrent use. All methods must be called on the
// engine loop, which is also where completions are delivered.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lexicaption/internal/observe"
	"github.com/MrWong99/lexicaption/internal/panel"
	"github.com/MrWong99/lexicaption/pkg/enrich"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// Poster schedules fn on the goroutine that owns the manager.
type Poster interface {
	Post(fn func()) bool
}

// Handle identifies one lookup request.
type Handle struct {
	ID      uint64
	Text    string
	Context string
	Anchor  panel.Anchor
}

type request struct {
	Handle
	cancelled bool
	started   time.Time
	span      trace.SpanContext
}

// Option is a functional option for [New].
type Option func(*Manager)

// WithTimeout bounds every backend call. Defaults to 30s; zero disables the
// bound.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records request counters and latency on mt.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithProviderName sets the provider attribute on latency and error metrics.
func WithProviderName(name string) Option {
	return func(m *Manager) { m.provider = name }
}

// WithBaseContext sets the parent context of every backend call.
func WithBaseContext(ctx context.Context) Option {
	return func(m *Manager) { m.base = ctx }
}

// Manager owns the single current lookup.
type Manager struct {
	loop     Poster
	enricher enrich.Enricher
	renderer panel.Renderer

	timeout  time.Duration
	log      *slog.Logger
	metrics  *observe.Metrics
	provider string
	base     context.Context

	// root parents every backend call; stop cancels it on Close.
	root context.Context
	stop context.CancelFunc

	nextID  uint64
	current *request
	stale   int

	wg sync.WaitGroup
}

// New returns a manager that runs lookups on e and shows them on r.
// Completions are posted through loop.
func New(loop Poster, e enrich.Enricher, r panel.Renderer, opts ...Option) *Manager {
	m := &Manager{
		loop:     loop,
		enricher: e,
		renderer: r,
		timeout:  30 * time.Second,
		log:      slog.Default(),
		provider: "default",
		base:     context.Background(),
	}
	for _, o := range opts {
		o(m)
	}
	m.root, m.stop = context.WithCancel(m.base)
	return m
}

// Start begins a lookup of text as used in lineContext, anchored at a. The
// current request, if any, is marked cancelled first. It returns false, starting
// nothing, when text is blank.
func (m *Manager) Start(text, lineContext string, a panel.Anchor) (Handle, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Handle{}, false
	}
	m.cancelCurrent()

	m.nextID++
	ctx, cancel := m.requestContext()
	req := &request{
		Handle:  Handle{ID: m.nextID, Text: text, Context: lineContext, Anchor: a},
		started: time.Now(),
	}
	m.current = req
	m.record(ctx, "started")
	m.renderer.ShowLoading(a, text)

	ctx, span := observe.StartLookup(ctx, req.ID, m.provider)
	req.span = span.SpanContext()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		entry, err := m.enricher.Enrich(ctx, text, lineContext)
		observe.EndLookup(span, err, enrich.Kind(err))
		if !m.loop.Post(func() { m.complete(req, entry, err) }) {
			m.log.Debug("lifecycle: completion discarded, loop closed", "request_id", req.ID)
		}
	}()
	return req.Handle, true
}

// Dismiss marks the current request cancelled and closes the panel. Its
// backend call is left to finish and its reply is dropped.
func (m *Manager) Dismiss() {
	m.cancelCurrent()
	m.renderer.Close()
}

// Close dismisses the current request and aborts every backend call still in
// flight, superseded ones included. Later calls to Start run against an
// already cancelled context.
func (m *Manager) Close() {
	m.Dismiss()
	m.stop()
}

// Current returns the current request, if any.
func (m *Manager) Current() (Handle, bool) {
	if m.current == nil {
		return Handle{}, false
	}
	return m.current.Handle, true
}

// Stale returns the number of completions dropped because their request was
// no longer current.
func (m *Manager) Stale() int { return m.stale }

// Wait blocks until every backend goroutine has returned. Their completions
// may still be queued on the loop.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) requestContext() (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(m.root, m.timeout)
	}
	return context.WithCancel(m.root)
}

func (m *Manager) cancelCurrent() {
	if m.current == nil {
		return
	}
	m.current.cancelled = true
	m.record(m.base, "cancelled")
	m.current = nil
}

func (m *Manager) complete(req *request, entry *lexical.Entry, err error) {
	ctx := m.base
	if req != m.current || req.cancelled {
		m.stale++
		m.record(ctx, "stale")
		m.log.Debug("lifecycle: stale completion dropped", "request_id", req.ID)
		return
	}
	m.current = nil
	m.observeLatency(ctx, req.started)

	if err == nil && entry == nil {
		err = errors.Join(enrich.ErrFormat, errors.New("backend returned no entry"))
	}
	if err != nil {
		m.record(ctx, "error")
		if m.metrics != nil {
			m.metrics.RecordProviderError(ctx, m.provider, enrich.Kind(err))
		}
		log := observe.WithTrace(trace.ContextWithSpanContext(ctx, req.span), m.log)
		log.Warn("lifecycle: lookup failed", "request_id", req.ID, "text", req.Text, "kind", enrich.Kind(err), "err", err)
		m.renderer.ShowError(req.Anchor, Message(err))
		return
	}
	m.record(ctx, "ok")
	m.renderer.ShowEntry(req.Anchor, entry)
}

func (m *Manager) record(ctx context.Context, status string) {
	if m.metrics != nil {
		m.metrics.RecordRequest(ctx, status)
	}
}

func (m *Manager) observeLatency(ctx context.Context, started time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.EnrichDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("provider", m.provider)),
	)
}

// Message maps err to the short text shown in the panel.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "The lookup timed out. Please try again."
	case errors.Is(err, enrich.ErrConfiguration):
		return "No API key is set. Run \"lexicaption key set\" to configure one."
	case errors.Is(err, enrich.ErrFormat):
		return "The AI response could not be parsed. This is usually temporary, please try again later."
	case errors.Is(err, enrich.ErrTransport):
		return "Could not reach the dictionary service."
	default:
		return "Lookup failed."
	}
}
