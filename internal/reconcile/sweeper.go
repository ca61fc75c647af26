package reconcile

import (
	"context"
	"strings"

	"github.com/MrWong99/lexicaption/internal/sched"
	"github.com/MrWong99/lexicaption/pkg/dom"
	"github.com/MrWong99/lexicaption/pkg/tokenize"
)

// Sweeper periodically re-checks every container inside the watched regions
// and reschedules the ones the registry reports as stale. It also wraps loose
// worded text that sits outside any processed line.
type Sweeper struct {
	rec   *Reconciler
	timer sched.Timer
}

// NewSweeper returns a sweeper driven by r's scheduler and configuration.
func NewSweeper(r *Reconciler) *Sweeper {
	return &Sweeper{rec: r}
}

// Start begins sweeping at the configured interval. Calling Start twice has
// no effect.
func (s *Sweeper) Start() {
	if s.timer != nil || s.rec.tornDown {
		return
	}
	s.timer = s.rec.sched.Every(s.rec.cfg.SweepInterval, func() { s.Sweep() })
}

// Stop ends periodic sweeping.
func (s *Sweeper) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Running reports whether the sweeper is started.
func (s *Sweeper) Running() bool { return s.timer != nil }

// Sweep performs one pass and returns the number of containers it scheduled
// plus the number of loose text nodes it wrapped. A pass over an unchanged,
// fully processed tree returns zero and writes nothing.
func (s *Sweeper) Sweep() int {
	r := s.rec
	if r.tornDown {
		return 0
	}
	work := 0
	for _, region := range s.Regions() {
		for _, c := range region.Descendants(r.IsContainer) {
			text := strings.TrimSpace(c.TextContent())
			if text == "" || !r.reg.ShouldReprocess(c, text) {
				continue
			}
			r.schedule(c, r.cfg.SweepDelay, TriggerSweep)
			work++
		}
		work += s.wrapLoose(region)
	}
	if work > 0 && r.metrics != nil {
		r.metrics.SweepScheduled.Add(context.Background(), int64(work))
	}
	return work
}

// Regions returns the outermost watched regions, or the document root when
// none is present.
func (s *Sweeper) Regions() []*dom.Node {
	r := s.rec
	root := r.doc.Root()
	isRegion := func(n *dom.Node) bool {
		return n.IsElement() && n.HasAnyClass(r.cfg.RegionClasses...)
	}
	if isRegion(root) {
		return []*dom.Node{root}
	}
	var out []*dom.Node
	root.Walk(func(n *dom.Node) bool {
		if n != root && isRegion(n) {
			out = append(out, n)
			return false
		}
		return true
	})
	if len(out) == 0 {
		return []*dom.Node{root}
	}
	return out
}

// wrapLoose tokenizes text nodes under region that yield words but
// sit outside any container and are neither inside a token nor next to one.
// Text inside containers is left to the debounced path.
func (s *Sweeper) wrapLoose(region *dom.Node) int {
	r := s.rec
	loose := region.Descendants(func(n *dom.Node) bool {
		if !n.IsText() || strings.TrimSpace(n.Data()) == "" || !tokenize.HasWords(n.Data()) {
			return false
		}
		return n.Closest(r.IsContainer) == nil && !s.processed(n)
	})
	wrapped := 0
	for _, n := range loose {
		if _, err := r.wrapWords(n, n.Data()); err != nil {
			r.log.Error("reconcile: wrap loose text", "node", n.ID(), "err", err)
			continue
		}
		wrapped++
	}
	return wrapped
}

// processed reports whether text node n is inside a token or shares its
// parent with one.
func (s *Sweeper) processed(n *dom.Node) bool {
	parent := n.Parent()
	if parent == nil {
		return false
	}
	if s.rec.IsToken(parent) {
		return true
	}
	for _, sib := range parent.Children() {
		if s.rec.IsToken(sib) {
			return true
		}
	}
	return false
}
