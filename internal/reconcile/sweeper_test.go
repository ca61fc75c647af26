package reconcile

import (
	"slices"
	"testing"

	"github.com/MrWong99/lexicaption/pkg/dom"
)

func TestSweep_IdempotentWhenNothingChanged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.container(t, "already done")
	h.container(t, "♪♪")
	h.container(t, "MP3 1990s")
	h.rec.Attach()
	h.settle(t)
	sw := NewSweeper(h.rec)

	for i := range 3 {
		if n := sw.Sweep(); n != 0 {
			t.Fatalf("sweep %d did %d units of work, want 0", i, n)
		}
	}
	if h.doc.Pending() != 0 {
		t.Errorf("sweeps wrote %d records, want 0", h.doc.Pending())
	}
	if h.clock.Pending() != 0 {
		t.Errorf("sweeps left %d timers, want 0", h.clock.Pending())
	}
}

func TestSweep_RestoresWipedTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.container(t, "wiped out")
	h.rec.Attach()

	// The host re-renders the same text without the observer noticing.
	if err := h.doc.ReplaceWith(c.Children()[0], h.doc.CreateText("wiped out")); err != nil {
		t.Fatalf("ReplaceWith: %v", err)
	}
	for _, n := range c.Children()[1:] {
		h.doc.Remove(n)
	}
	h.settle(t)
	if got := tokenTexts(h.rec, c); len(got) != 0 {
		t.Fatalf("setup left tokens %v", got)
	}

	sw := NewSweeper(h.rec)
	if n := sw.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	h.clock.Advance(h.rec.Config().SweepDelay)
	if got, want := tokenTexts(h.rec, c), []string{"wiped", "out"}; !slices.Equal(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
	if last := h.processed[len(h.processed)-1]; last.trigger != TriggerSweep {
		t.Errorf("last trigger = %v, want sweep", last.trigger)
	}
}

func TestSweep_CatchesMissedTextChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.container(t, "before")
	h.rec.Attach()
	h.settle(t)

	_ = h.doc.AppendChild(c, h.doc.CreateText(" after"))
	h.settle(t)

	sw := NewSweeper(h.rec)
	sw.Start()
	defer sw.Stop()
	h.clock.Advance(h.rec.Config().SweepInterval + h.rec.Config().SweepDelay)

	if got, want := tokenTexts(h.rec, c), []string{"before", "after"}; !slices.Equal(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
}

func TestSweep_WrapsLooseText(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	holder := h.doc.CreateElement("caption-window")
	loose := h.doc.CreateText("stray words")
	_ = h.doc.AppendChild(holder, loose)
	_ = h.doc.AppendChild(h.doc.Root(), holder)
	h.settle(t)

	sw := NewSweeper(h.rec)
	if n := sw.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1 wrapped node", n)
	}
	if loose.Parent() != nil {
		t.Error("loose text node should have been replaced")
	}
	if got, want := tokenTexts(h.rec, holder), []string{"stray", "words"}; !slices.Equal(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
	if n := sw.Sweep(); n != 0 {
		t.Errorf("second Sweep = %d, want 0", n)
	}
}

func TestSweep_LeavesWordlessLooseText(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	holder := h.doc.CreateElement("caption-window")
	loose := h.doc.CreateText("MP3 2nd")
	_ = h.doc.AppendChild(holder, loose)
	_ = h.doc.AppendChild(h.doc.Root(), holder)
	h.settle(t)

	sw := NewSweeper(h.rec)
	for i := range 2 {
		if n := sw.Sweep(); n != 0 {
			t.Fatalf("sweep %d = %d, want 0", i, n)
		}
	}
	if loose.Parent() != holder {
		t.Error("wordless text node was replaced")
	}
	if h.doc.Pending() != 0 {
		t.Errorf("sweeps wrote %d records, want 0", h.doc.Pending())
	}
}

func TestSweep_LeavesTextNextToTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	holder := h.doc.CreateElement("captions-text")
	tok := h.doc.CreateElement(h.rec.Config().TokenClass)
	_ = h.doc.AppendChild(tok, h.doc.CreateText("word"))
	_ = h.doc.AppendChild(holder, tok)
	_ = h.doc.AppendChild(holder, h.doc.CreateText(" trailing"))
	_ = h.doc.AppendChild(h.doc.Root(), holder)
	h.settle(t)

	if n := NewSweeper(h.rec).Sweep(); n != 0 {
		t.Errorf("Sweep = %d, want 0 for text beside a token", n)
	}
}

func TestRegions_OutermostOrRoot(t *testing.T) {
	t.Parallel()
	doc := dom.NewDocument()
	h := newHarness(t)
	r := New(doc, h.reg, h.clock, DefaultConfig())
	sw := NewSweeper(r)

	if got := sw.Regions(); len(got) != 1 || got[0] != doc.Root() {
		t.Fatalf("Regions without regions = %v, want root", got)
	}

	outer := doc.CreateElement("ytp-caption-window-container")
	inner := doc.CreateElement("caption-window")
	_ = doc.AppendChild(outer, inner)
	_ = doc.AppendChild(doc.Root(), outer)
	if got := sw.Regions(); len(got) != 1 || got[0] != outer {
		t.Errorf("Regions = %v, want only the outer region", got)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sw := NewSweeper(h.rec)
	sw.Start()
	sw.Start()
	if h.clock.Pending() != 1 {
		t.Errorf("Pending = %d after double Start, want 1", h.clock.Pending())
	}
	sw.Stop()
	if sw.Running() || h.clock.Pending() != 0 {
		t.Error("Stop left the sweeper running")
	}
}
