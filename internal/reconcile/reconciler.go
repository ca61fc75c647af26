// Package reconcile keeps the token overlay consistent with a host-owned
// caption tree.
//
// A [Reconciler] consumes mutation batches, classifies the containers they
// touch as new or updated, and schedules per-container processing through a
// debounce timer: rescheduling a container replaces its pending timer, so
// only the latest schedule fires. Processing wraps every bare worded text node
// inside the container into token elements and commits the text to the
// segment registry. A [Sweeper] periodically re-checks every known container
// as a backstop for batches the observer dropped or coalesced.
//
// Reconciler and Sweeper are not safe for concurrent use. They must run on
// the goroutine that owns the document (see internal/sched.Loop).
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/lexicaption/internal/observe"
	"github.com/MrWong99/lexicaption/internal/sched"
	"github.com/MrWong99/lexicaption/internal/segment"
	"github.com/MrWong99/lexicaption/pkg/dom"
	"github.com/MrWong99/lexicaption/pkg/tokenize"
)

// Config holds the selectors and timings the reconciler works with.
type Config struct {
	// ContainerClasses identify caption containers (any class matches).
	ContainerClasses []string

	// RegionClasses identify watched regions for the periodic sweep. When no
	// region is present the document root is swept.
	RegionClasses []string

	// TokenClass is set on every rendered token element.
	TokenClass string

	// NewDelay is the debounce delay for newly added containers.
	NewDelay time.Duration

	// UpdateDelay is the debounce delay for containers whose content changed.
	UpdateDelay time.Duration

	// SweepDelay is the debounce delay for containers the sweep reschedules.
	SweepDelay time.Duration

	// SweepInterval is the cadence of the periodic sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the selectors and timings used by the YouTube caption
// renderer.
func DefaultConfig() Config {
	return Config{
		ContainerClasses: []string{"ytp-caption-segment", "caption-segment"},
		RegionClasses:    []string{"ytp-caption-window-container", "caption-window", "captions-text"},
		TokenClass:       "yt-ai-dict-word",
		NewDelay:         0,
		UpdateDelay:      150 * time.Millisecond,
		SweepDelay:       50 * time.Millisecond,
		SweepInterval:    400 * time.Millisecond,
	}
}

// Trigger labels why a container was processed.
type Trigger string

const (
	TriggerNew    Trigger = "new"
	TriggerUpdate Trigger = "update"
	TriggerSweep  Trigger = "sweep"
	TriggerAttach Trigger = "attach"
)

// Option is a functional option for [New].
type Option func(*Reconciler)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithMetrics records processing counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithRemoteOnly makes the reconciler ignore records that were not applied
// through [dom.Document.ApplyRemote], so that the engine's own writes do not
// schedule work.
func WithRemoteOnly() Option {
	return func(r *Reconciler) { r.remoteOnly = true }
}

// WithProcessHook registers fn to be called after every processed container.
func WithProcessHook(fn func(c *dom.Node, trigger Trigger, tokens int)) Option {
	return func(r *Reconciler) { r.onProcess = fn }
}

// Reconciler maps host mutations onto debounced container processing.
type Reconciler struct {
	doc   *dom.Document
	reg   *segment.Registry
	sched sched.Scheduler
	cfg   Config

	log        *slog.Logger
	metrics    *observe.Metrics
	remoteOnly bool
	onProcess  func(*dom.Node, Trigger, int)

	tornDown bool
}

// New creates a reconciler over doc. Timers are created on s; container
// records are kept in reg.
func New(doc *dom.Document, reg *segment.Registry, s sched.Scheduler, cfg Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		doc:   doc,
		reg:   reg,
		sched: s,
		cfg:   cfg,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Config returns the active configuration.
func (r *Reconciler) Config() Config { return r.cfg }

// SetTimings replaces the debounce and sweep timings. Pending timers keep the
// delay they were scheduled with.
func (r *Reconciler) SetTimings(newDelay, updateDelay, sweepDelay time.Duration) {
	r.cfg.NewDelay = newDelay
	r.cfg.UpdateDelay = updateDelay
	r.cfg.SweepDelay = sweepDelay
}

// IsContainer reports whether n is a caption container.
func (r *Reconciler) IsContainer(n *dom.Node) bool {
	return n.IsElement() && n.HasAnyClass(r.cfg.ContainerClasses...)
}

// IsToken reports whether n is a rendered token element.
func (r *Reconciler) IsToken(n *dom.Node) bool {
	return n.IsElement() && n.HasClass(r.cfg.TokenClass)
}

type mark int

const (
	markUpdated mark = iota + 1
	markNew
)

// HandleBatch classifies the containers touched by batch and schedules their
// processing. Containers found inside added subtrees are new; containers
// enclosing any other edit are updated. New takes priority within a batch.
func (r *Reconciler) HandleBatch(batch dom.Batch) {
	if r.tornDown {
		return
	}
	var order []*dom.Node
	marks := make(map[*dom.Node]mark)
	set := func(c *dom.Node, m mark) {
		cur, seen := marks[c]
		if !seen {
			order = append(order, c)
		}
		if m > cur {
			marks[c] = m
		}
	}
	var removed []*dom.Node

	for _, rec := range batch {
		if r.remoteOnly && !rec.Remote {
			continue
		}
		if rec.Type == dom.ChildList {
			for _, n := range rec.Added {
				if !n.IsElement() {
					continue
				}
				if r.IsContainer(n) {
					set(n, markNew)
				}
				for _, c := range n.Descendants(r.IsContainer) {
					set(c, markNew)
				}
			}
			removed = append(removed, rec.Removed...)
		}
		if rec.Type == dom.ChildList || rec.Type == dom.CharacterData {
			if c := rec.Target.Closest(r.IsContainer); c != nil {
				set(c, markUpdated)
			}
		}
	}

	for _, n := range removed {
		r.forgetDetached(n)
	}

	for _, c := range order {
		if !c.Attached() || c.TextContent() == "" {
			continue
		}
		if marks[c] == markNew {
			r.schedule(c, r.cfg.NewDelay, TriggerNew)
		} else {
			r.schedule(c, r.cfg.UpdateDelay, TriggerUpdate)
		}
	}
}

// forgetDetached drops the records of every container in the removed subtree
// n that is no longer attached.
func (r *Reconciler) forgetDetached(n *dom.Node) {
	if !n.IsElement() || n.Attached() {
		return
	}
	if r.IsContainer(n) {
		r.reg.Forget(n)
	}
	for _, c := range n.Descendants(r.IsContainer) {
		r.reg.Forget(c)
	}
}

// Schedule debounces processing of c by d. Any pending timer for c is
// stopped and replaced.
func (r *Reconciler) Schedule(c *dom.Node, d time.Duration) {
	r.schedule(c, d, TriggerUpdate)
}

func (r *Reconciler) schedule(c *dom.Node, d time.Duration, trigger Trigger) {
	if r.tornDown {
		return
	}
	var t sched.Timer
	t = r.sched.AfterFunc(d, func() {
		r.reg.ClearPending(c, t)
		if r.tornDown {
			return
		}
		if !c.Attached() {
			r.reg.Forget(c)
			return
		}
		r.processSafe(c, trigger)
	})
	if prev := r.reg.SetPending(c, t); prev != nil {
		prev.Stop()
	}
}

// Pending reports whether c has a scheduled timer.
func (r *Reconciler) Pending(c *dom.Node) bool {
	return r.reg.HasPending(c)
}

// Attach processes every container already present in the document, once and
// without debounce.
func (r *Reconciler) Attach() int {
	containers := r.doc.Root().Descendants(r.IsContainer)
	if r.IsContainer(r.doc.Root()) {
		containers = append([]*dom.Node{r.doc.Root()}, containers...)
	}
	n := 0
	for _, c := range containers {
		if c.TextContent() == "" {
			continue
		}
		r.processSafe(c, TriggerAttach)
		n++
	}
	r.log.Debug("reconcile: attached", "containers", n)
	return n
}

// Teardown stops every pending timer. Later batches and schedules are
// ignored, and a timer that has already fired but not yet run does nothing.
func (r *Reconciler) Teardown() {
	if r.tornDown {
		return
	}
	r.tornDown = true
	stopped := r.reg.StopAll()
	r.log.Debug("reconcile: torn down", "stopped_timers", stopped)
}

// TornDown reports whether [Reconciler.Teardown] was called.
func (r *Reconciler) TornDown() bool { return r.tornDown }

// processSafe runs Process and contains any failure to this container.
func (r *Reconciler) processSafe(c *dom.Node, trigger Trigger) {
	defer func() {
		if p := recover(); p != nil {
			r.fail(c, fmt.Errorf("reconcile: panic: %v", p))
		}
	}()
	tokens, err := r.Process(c)
	if err != nil {
		r.fail(c, err)
		return
	}
	if tokens < 0 {
		return
	}
	if r.metrics != nil {
		r.metrics.RecordSegment(context.Background(), string(trigger), tokens)
	}
	if r.onProcess != nil {
		r.onProcess(c, trigger, tokens)
	}
}

func (r *Reconciler) fail(c *dom.Node, err error) {
	r.log.Error("reconcile: process container", "node", c.ID(), "err", err)
	if r.metrics != nil {
		r.metrics.SegmentErrors.Add(context.Background(), 1)
	}
}

// Process tokenizes c on its current text. Every bare text node that holds
// words is replaced by word tokens and separator text; a leaf element that
// holds only text is replaced as a whole. The trimmed text is then committed.
// It returns the number of tokens created, or -1 when c has no text.
func (r *Reconciler) Process(c *dom.Node) (int, error) {
	text := strings.TrimSpace(c.TextContent())
	if text == "" {
		return -1, nil
	}
	tokens, err := r.wrapChildren(c)
	if err != nil {
		return tokens, fmt.Errorf("reconcile: process %d: %w", c.ID(), err)
	}
	r.reg.Commit(c, text)
	return tokens, nil
}

func (r *Reconciler) wrapChildren(el *dom.Node) (int, error) {
	total := 0
	for _, n := range el.Children() {
		var (
			created int
			err     error
		)
		switch {
		case n.IsText():
			created, err = r.wrapWords(n, n.Data())
		case r.IsToken(n):
			continue
		case strings.TrimSpace(n.TextContent()) == "":
			continue
		case n.ElementChildCount() == 0 && n.ChildCount() > 0:
			created, err = r.wrapWords(n, n.TextContent())
		case n.ElementChildCount() > 0:
			created, err = r.wrapChildren(n)
		}
		total += created
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// wrapWords replaces n by the rendered fragments of text when text yields
// at least one word.
func (r *Reconciler) wrapWords(n *dom.Node, text string) (int, error) {
	if strings.TrimSpace(text) == "" || !tokenize.HasWords(text) {
		return 0, nil
	}
	nodes, words := r.Render(text)
	if err := r.doc.ReplaceWith(n, nodes...); err != nil {
		return 0, err
	}
	return words, nil
}

// Render materializes the fragments of text as detached nodes: one token
// element per word and one text node per separator. It also returns the
// number of tokens.
func (r *Reconciler) Render(text string) ([]*dom.Node, int) {
	frags := tokenize.Tokenize(text)
	nodes := make([]*dom.Node, 0, len(frags))
	words := 0
	for _, f := range frags {
		if f.Kind == tokenize.Word {
			tok := r.doc.CreateElement(r.cfg.TokenClass)
			_ = r.doc.AppendChild(tok, r.doc.CreateText(f.Text))
			nodes = append(nodes, tok)
			words++
			continue
		}
		nodes = append(nodes, r.doc.CreateText(f.Text))
	}
	return nodes, words
}
