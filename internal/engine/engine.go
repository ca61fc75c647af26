// Package engine assembles the overlay: it owns the mirrored caption tree and
// runs the reconciler, the periodic sweep, the selection gesture and the
// lookup lifecycle on a single event loop.
//
// Everything that touches engine state is a loop task. Hosts feed mutations
// through [Engine.ApplyHost] and gestures through the gesture methods; the
// engine's own writes to the tree are observable through
// [Engine.AddListener], which is how transports forward the overlay back to
// the host.
//
// This package lives under internal/ because it encapsulates application
// wiring and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lexicaption/internal/lifecycle"
	"github.com/MrWong99/lexicaption/internal/observe"
	"github.com/MrWong99/lexicaption/internal/panel"
	"github.com/MrWong99/lexicaption/internal/reconcile"
	"github.com/MrWong99/lexicaption/internal/sched"
	"github.com/MrWong99/lexicaption/internal/segment"
	"github.com/MrWong99/lexicaption/internal/selection"
	"github.com/MrWong99/lexicaption/pkg/audio"
	"github.com/MrWong99/lexicaption/pkg/dom"
	"github.com/MrWong99/lexicaption/pkg/enrich"
)

var (
	// ErrRunning is returned by [Engine.Run] when the engine was already
	// started.
	ErrRunning = errors.New("engine: already running")

	// ErrNoAudio is returned by [Engine.PlayAudio] when no audio service is
	// configured.
	ErrNoAudio = errors.New("engine: audio not configured")
)

// Config holds the selectors, classes and timings of one engine.
type Config struct {
	// Reconcile configures container detection, token rendering and timings.
	Reconcile reconcile.Config

	// SelectedClass marks highlighted tokens during a drag selection.
	SelectedClass string

	// ModifierKey is the key that starts a drag selection. Matching is
	// case-insensitive.
	ModifierKey string

	// ObserverBuffer is the number of undelivered mutation batches held
	// before the observer drops. Zero selects [dom.DefaultObserverBuffer].
	ObserverBuffer int

	// RequestTimeout bounds each lookup. Zero disables the bound.
	RequestTimeout time.Duration
}

// DefaultConfig returns the configuration for the YouTube caption renderer.
func DefaultConfig() Config {
	return Config{
		Reconcile:      reconcile.DefaultConfig(),
		SelectedClass:  "selected",
		ModifierKey:    "Shift",
		RequestTimeout: 30 * time.Second,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if len(c.Reconcile.ContainerClasses) == 0 {
		errs = append(errs, errors.New("engine: at least one container class is required"))
	}
	if c.Reconcile.TokenClass == "" {
		errs = append(errs, errors.New("engine: token class is required"))
	}
	if c.SelectedClass == "" {
		errs = append(errs, errors.New("engine: selected class is required"))
	}
	if c.Reconcile.SweepInterval <= 0 {
		errs = append(errs, errors.New("engine: sweep interval must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"new delay":    c.Reconcile.NewDelay,
		"update delay": c.Reconcile.UpdateDelay,
		"sweep delay":  c.Reconcile.SweepDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("engine: %s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithScheduler replaces the wall-clock scheduler, typically with a
// [sched.Virtual] in tests. Virtual callbacks run on the goroutine that
// advances the clock, so tests advance it inside [Engine.Do].
func WithScheduler(s sched.Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithRenderer sets the panel renderer. Defaults to [panel.Nop].
func WithRenderer(r panel.Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithAudio enables pronunciation playback through s.
func WithAudio(s *audio.Service) Option {
	return func(e *Engine) { e.audio = s }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProviderName labels lookup metrics and spans with name.
func WithProviderName(name string) Option {
	return func(e *Engine) { e.provider = name }
}

// Engine is one overlay instance bound to one caption tree.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
	provider string
	renderer panel.Renderer
	audio    *audio.Service

	doc     *dom.Document
	loop    *sched.Loop
	sched   sched.Scheduler
	real    *sched.Real
	obs     *dom.Observer
	reg     *segment.Registry
	rec     *reconcile.Reconciler
	sweeper *reconcile.Sweeper
	sel     *selection.Controller
	life    *lifecycle.Manager

	// Loop-owned.
	drainQueued bool
	dropped     uint64

	started atomic.Bool
	ready   chan struct{}
	stopped chan struct{}
}

// New builds an engine over an empty document. Lookups are served by e.
func New(cfg Config, e enrich.Enricher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.New("engine: enricher must not be nil")
	}

	eng := &Engine{
		cfg:      cfg,
		log:      slog.Default(),
		provider: "default",
		renderer: panel.Nop{},
		loop:     sched.NewLoop(),
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(eng)
	}
	if eng.sched == nil {
		eng.real = sched.NewReal(eng.loop)
		eng.sched = eng.real
	}

	eng.doc = dom.NewDocument()
	eng.obs = eng.doc.Observe(cfg.ObserverBuffer)
	eng.reg = segment.New(cfg.Reconcile.TokenClass)

	recOpts := []reconcile.Option{
		reconcile.WithLogger(eng.log),
		reconcile.WithRemoteOnly(),
	}
	if eng.metrics != nil {
		recOpts = append(recOpts, reconcile.WithMetrics(eng.metrics))
	}
	eng.rec = reconcile.New(eng.doc, eng.reg, eng.sched, cfg.Reconcile, recOpts...)
	eng.sweeper = reconcile.NewSweeper(eng.rec)

	eng.sel = selection.New(eng.doc, selection.Config{
		TokenClass:       cfg.Reconcile.TokenClass,
		ContainerClasses: cfg.Reconcile.ContainerClasses,
		SelectedClass:    cfg.SelectedClass,
	})

	lifeOpts := []lifecycle.Option{
		lifecycle.WithTimeout(cfg.RequestTimeout),
		lifecycle.WithLogger(eng.log),
		lifecycle.WithProviderName(eng.provider),
	}
	if eng.metrics != nil {
		lifeOpts = append(lifeOpts, lifecycle.WithMetrics(eng.metrics))
	}
	eng.life = lifecycle.New(eng.loop, e, eng.renderer, lifeOpts...)

	eng.loop.AfterTask(eng.afterTask)
	return eng, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// Document returns the mirrored tree. It may only be read or written from a
// loop task.
func (e *Engine) Document() *dom.Document { return e.doc }

// AddListener registers fn to receive every mutation batch, the engine's own
// writes included. It must be called before [Engine.Run]; fn runs on the loop.
func (e *Engine) AddListener(fn func(dom.Batch)) { e.doc.AddListener(fn) }

// Ready is closed once Run has attached to the initial tree.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Done is closed once Run has returned and the engine is torn down.
func (e *Engine) Done() <-chan struct{} { return e.stopped }

// Alive reports whether the loop has attached and is still running.
func (e *Engine) Alive() bool {
	select {
	case <-e.ready:
	default:
		return false
	}
	select {
	case <-e.loop.Done():
		return false
	default:
		return true
	}
}

// ── Lifetime ─────────────────────────────────────────────────────────────────

// Run attaches to the containers already present, starts the sweep and runs
// the loop until ctx is cancelled or [Engine.Close] is called. Teardown
// happens before Run returns: timers are stopped, the current lookup is
// cancelled and the observer is disconnected.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(e.stopped)

	e.loop.Post(func() {
		n := e.rec.Attach()
		e.sweeper.Start()
		e.log.Info("engine: attached", "containers", n)
		close(e.ready)
	})

	err := e.loop.Run(ctx)
	e.teardown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the loop. Run returns after teardown.
func (e *Engine) Close() { e.loop.Close() }

// teardown runs on Run's goroutine once the loop has stopped, so no task can
// race with it.
func (e *Engine) teardown() {
	e.sweeper.Stop()
	e.rec.Teardown()
	e.sel.Reset()
	e.life.Close()
	e.obs.Disconnect()
	if e.real != nil {
		e.real.Close()
	}
	e.life.Wait()
	e.log.Info("engine: torn down", "stale_responses", e.life.Stale(), "observer_dropped", e.obs.Dropped())
}

// ── Loop plumbing ────────────────────────────────────────────────────────────

// afterTask flushes the edits of the finished task and queues a drain of the
// observer. The drain runs as its own task so that batches are handled in
// the order they were produced.
func (e *Engine) afterTask() {
	if !e.doc.Flush() || e.drainQueued {
		return
	}
	if e.loop.Post(e.drain) {
		e.drainQueued = true
	}
}

func (e *Engine) drain() {
	e.drainQueued = false
	for {
		select {
		case b, ok := <-e.obs.Batches():
			if !ok {
				return
			}
			e.rec.HandleBatch(b)
		default:
			e.recordDropped()
			return
		}
	}
}

func (e *Engine) recordDropped() {
	total := e.obs.Dropped()
	if total == e.dropped {
		return
	}
	delta := total - e.dropped
	e.dropped = total
	e.log.Warn("engine: mutation batches dropped", "dropped", delta, "total", total)
	if e.metrics != nil {
		e.metrics.ObserverDropped.Add(context.Background(), int64(delta))
	}
}

// Do runs fn on the loop and waits for it.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	if err := e.loop.Do(ctx, fn); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// Sync waits until the loop is idle: no queued task, no unflushed edit and no
// undrained batch. Timers that are not yet due do not count.
func (e *Engine) Sync(ctx context.Context) error {
	for {
		var idle bool
		if err := e.Do(ctx, func() {
			idle = e.loop.Len() == 0 && e.doc.Pending() == 0 && !e.drainQueued
		}); err != nil {
			return err
		}
		if idle {
			return nil
		}
	}
}

// Wait blocks until every in-flight lookup has completed and its completion
// has been handled.
func (e *Engine) Wait(ctx context.Context) error {
	e.life.Wait()
	return e.Sync(ctx)
}

// ── Host input ───────────────────────────────────────────────────────────────

// ApplyHost runs fn as a host edit of the tree. The reconciler reacts only to
// edits made this way.
func (e *Engine) ApplyHost(ctx context.Context, fn func(doc *dom.Document) error) error {
	var err error
	if doErr := e.Do(ctx, func() {
		e.doc.ApplyRemote(func() { err = fn(e.doc) })
	}); doErr != nil {
		return doErr
	}
	if err != nil {
		return fmt.Errorf("engine: apply host edit: %w", err)
	}
	return nil
}

// SetTimings replaces the debounce delays. Pending timers keep the delay
// they were scheduled with.
func (e *Engine) SetTimings(ctx context.Context, newDelay, updateDelay, sweepDelay time.Duration) error {
	return e.Do(ctx, func() {
		e.rec.SetTimings(newDelay, updateDelay, sweepDelay)
		e.log.Info("engine: timings updated",
			"new_delay", newDelay, "update_delay", updateDelay, "sweep_delay", sweepDelay)
	})
}

// ── Gestures ─────────────────────────────────────────────────────────────────

func (e *Engine) isModifier(key string) bool {
	return strings.EqualFold(key, e.cfg.ModifierKey)
}

// KeyDown starts a drag selection when key is the modifier key.
func (e *Engine) KeyDown(ctx context.Context, key string) error {
	if !e.isModifier(key) {
		return nil
	}
	return e.Do(ctx, e.sel.KeyDown)
}

// KeyUp ends a drag selection when key is the modifier key.
func (e *Engine) KeyUp(ctx context.Context, key string) error {
	if !e.isModifier(key) {
		return nil
	}
	return e.Do(ctx, e.sel.KeyUp)
}

// Blur ends any drag selection, as when the host loses focus while the
// modifier is held.
func (e *Engine) Blur(ctx context.Context) error {
	return e.Do(ctx, e.sel.Reset)
}

// Hover reports the pointer entering node id.
func (e *Engine) Hover(ctx context.Context, id dom.NodeID) error {
	return e.Do(ctx, func() {
		if n := e.doc.Lookup(id); n != nil {
			e.sel.Hover(n)
		}
	})
}

// Click reports a click on node id. A click that commits a lookup returns
// its handle.
func (e *Engine) Click(ctx context.Context, id dom.NodeID) (lifecycle.Handle, bool, error) {
	var (
		h  lifecycle.Handle
		ok bool
	)
	err := e.Do(ctx, func() {
		n := e.doc.Lookup(id)
		if n == nil {
			return
		}
		inv, committed := e.sel.Click(n)
		if !committed {
			return
		}
		h, ok = e.life.Start(inv.Text, inv.Context, panel.AnchorOf(inv.Origin))
	})
	return h, ok, err
}

// Dismiss closes the panel, cancels the current lookup and resets the
// selection.
func (e *Engine) Dismiss(ctx context.Context) error {
	return e.Do(ctx, func() {
		e.life.Dismiss()
		e.sel.Reset()
	})
}

// PlayAudio plays the pronunciation at locator. It runs on the caller's
// goroutine; the audio service is safe for concurrent use.
func (e *Engine) PlayAudio(ctx context.Context, locator string) error {
	if e.audio == nil {
		return ErrNoAudio
	}
	if err := e.audio.Play(ctx, locator); err != nil {
		return fmt.Errorf("engine: play audio: %w", err)
	}
	return nil
}

// ── Introspection ────────────────────────────────────────────────────────────

// Stats is a point-in-time view of engine state.
type Stats struct {
	Containers      int
	PendingTimers   int
	Tokens          int
	Selecting       bool
	Highlighted     int
	Request         *lifecycle.Handle
	StaleResponses  int
	ObserverDropped uint64
}

// Stats returns a snapshot taken on the loop.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := e.Do(ctx, func() {
		s = Stats{
			Containers:      e.reg.Len(),
			PendingTimers:   e.reg.PendingCount(),
			Tokens:          e.reg.CountTokens(e.doc.Root()),
			Selecting:       e.sel.State() == selection.Selecting,
			Highlighted:     len(e.sel.Highlighted()),
			StaleResponses:  e.life.Stale(),
			ObserverDropped: e.obs.Dropped(),
		}
		if h, ok := e.life.Current(); ok {
			s.Request = &h
		}
	})
	return s, err
}
