package reconcile

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/lexicaption/internal/sched"
	"github.com/MrWong99/lexicaption/internal/segment"
	"github.com/MrWong99/lexicaption/pkg/dom"
)

// harness wires a reconciler to a document on virtual time and records every
// processed container.
type harness struct {
	doc       *dom.Document
	obs       *dom.Observer
	clock     *sched.Virtual
	reg       *segment.Registry
	rec       *Reconciler
	processed []processedCall
	panicOn   *dom.Node
}

type processedCall struct {
	node    *dom.Node
	trigger Trigger
	text    string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		doc:   dom.NewDocument("ytp-caption-window-container"),
		clock: sched.NewVirtual(time.Time{}),
	}
	cfg := DefaultConfig()
	h.reg = segment.New(cfg.TokenClass)
	opts = append(opts, WithProcessHook(func(c *dom.Node, trigger Trigger, _ int) {
		if c == h.panicOn {
			panic("renderer exploded")
		}
		h.processed = append(h.processed, processedCall{c, trigger, c.TextContent()})
	}))
	h.rec = New(h.doc, h.reg, h.clock, cfg, opts...)
	h.obs = h.doc.Observe(0)
	return h
}

// deliver flushes pending records into the reconciler.
func (h *harness) deliver(t *testing.T) {
	t.Helper()
	if !h.doc.Flush() {
		return
	}
	select {
	case b := <-h.obs.Batches():
		h.rec.HandleBatch(b)
	default:
		t.Fatal("flushed batch was not delivered")
	}
}

// settle delivers the engine's own writes so later batches only carry the
// edits a test makes.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	h.doc.Flush()
	for {
		select {
		case <-h.obs.Batches():
		default:
			return
		}
	}
}

func (h *harness) container(t *testing.T, text string) (*dom.Node, *dom.Node) {
	t.Helper()
	c := h.doc.CreateElement("ytp-caption-segment")
	txt := h.doc.CreateText(text)
	if err := h.doc.AppendChild(c, txt); err != nil {
		t.Fatalf("AppendChild: %v", err)
	}
	if err := h.doc.AppendChild(h.doc.Root(), c); err != nil {
		t.Fatalf("AppendChild: %v", err)
	}
	return c, txt
}

func tokenTexts(r *Reconciler, c *dom.Node) []string {
	var out []string
	for _, tok := range c.Descendants(r.IsToken) {
		out = append(out, tok.TextContent())
	}
	return out
}

func TestHandleBatch_NewContainerProcessedNextTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.container(t, "I love cats")
	h.deliver(t)

	if len(h.processed) != 0 {
		t.Fatal("processing ran before the scheduler turned")
	}
	h.clock.Advance(0)

	if len(h.processed) != 1 || h.processed[0].trigger != TriggerNew {
		t.Fatalf("processed = %+v, want one new processing", h.processed)
	}
	if got, want := tokenTexts(h.rec, c), []string{"I", "love", "cats"}; !slices.Equal(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
	if got := c.TextContent(); got != "I love cats" {
		t.Errorf("TextContent = %q, want unchanged text", got)
	}
	rec, ok := h.reg.Lookup(c)
	if !ok || rec.LastText != "I love cats" || !rec.HasTokens {
		t.Errorf("registry record = %+v (found %v)", rec, ok)
	}
}

func TestHandleBatch_DebounceCoalescesUpdates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, txt := h.container(t, "")
	h.settle(t)

	for _, partial := range []string{"I", "I lo", "I love", "I love ca", "I love cats"} {
		if err := h.doc.SetData(txt, partial); err != nil {
			t.Fatalf("SetData: %v", err)
		}
		h.deliver(t)
		h.clock.Advance(20 * time.Millisecond)
	}
	if len(h.processed) != 0 {
		t.Fatalf("processed %d times inside the debounce window, want 0", len(h.processed))
	}

	h.clock.Advance(h.rec.Config().UpdateDelay)
	if len(h.processed) != 1 {
		t.Fatalf("processed %d times, want exactly 1", len(h.processed))
	}
	if got := h.processed[0].text; got != "I love cats" {
		t.Errorf("processed text = %q, want the final text", got)
	}
	if got, want := tokenTexts(h.rec, c), []string{"I", "love", "cats"}; !slices.Equal(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
}

func TestHandleBatch_ProcessesLatestTextAtFireTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, txt := h.container(t, "old words")
	h.settle(t)

	_ = h.doc.SetData(txt, "new words")
	h.deliver(t)
	// Edit again without notifying: the fire must still see this text.
	_ = h.doc.SetData(txt, "newest words")
	h.settle(t)
	h.clock.Advance(time.Second)

	if got, want := tokenTexts(h.rec, c), []string{"newest", "words"}; !slices.Equal(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
}

func TestHandleBatch_NewTakesPriorityOverUpdate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, txt := h.container(t, "hello")
	_ = h.doc.SetData(txt, "hello there")
	h.deliver(t)

	h.clock.Advance(0)
	if len(h.processed) != 1 || h.processed[0].node != c || h.processed[0].trigger != TriggerNew {
		t.Errorf("processed = %+v, want c processed once as new", h.processed)
	}
}

func TestHandleBatch_ContainerInsideAddedSubtree(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	line := h.doc.CreateElement("caption-visual-line")
	seg := h.doc.CreateElement("caption-segment")
	_ = h.doc.AppendChild(seg, h.doc.CreateText("nested line"))
	_ = h.doc.AppendChild(line, seg)
	_ = h.doc.AppendChild(h.doc.Root(), line)
	h.deliver(t)
	h.clock.Advance(0)

	if got, want := tokenTexts(h.rec, seg), []string{"nested", "line"}; !slices.Equal(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
}

func TestHandleBatch_RemovedContainerCancelsTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, txt := h.container(t, "going")
	h.settle(t)

	_ = h.doc.SetData(txt, "going away")
	h.deliver(t)
	if !h.rec.Pending(c) {
		t.Fatal("update did not schedule a timer")
	}
	h.doc.Remove(c)
	h.deliver(t)

	if h.reg.Len() != 0 {
		t.Errorf("registry Len = %d after removal, want 0", h.reg.Len())
	}
	h.clock.Advance(time.Second)
	if len(h.processed) != 0 {
		t.Errorf("removed container was processed %d times", len(h.processed))
	}
	if h.clock.Pending() != 0 {
		t.Errorf("clock has %d pending timers, want 0", h.clock.Pending())
	}
}

func TestHandleBatch_IgnoresClassChanges(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.container(t, "hi")
	h.rec.Attach()
	h.settle(t)

	h.doc.AddClass(c.Children()[0], "selected")
	h.deliver(t)
	h.clock.Advance(time.Second)
	if len(h.processed) != 1 {
		t.Errorf("processed %d times, want only the attach pass", len(h.processed))
	}
}

func TestRemoteOnly_SkipsLocalRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithRemoteOnly())
	h.container(t, "local edit")
	h.deliver(t)
	h.clock.Advance(time.Second)
	if len(h.processed) != 0 {
		t.Fatalf("local record scheduled processing")
	}

	h.doc.ApplyRemote(func() { h.container(t, "host edit") })
	h.deliver(t)
	h.clock.Advance(0)
	if len(h.processed) != 1 {
		t.Errorf("processed %d times for a remote record, want 1", len(h.processed))
	}
}

func TestAttach_ProcessesExistingSynchronously(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a, _ := h.container(t, "first line")
	b, _ := h.container(t, "second line")
	h.container(t, "")

	if n := h.rec.Attach(); n != 2 {
		t.Errorf("Attach processed %d containers, want 2", n)
	}
	if len(h.processed) != 2 {
		t.Fatalf("processed %d, want 2 without advancing the clock", len(h.processed))
	}
	for _, c := range []*dom.Node{a, b} {
		if len(tokenTexts(h.rec, c)) != 2 {
			t.Errorf("container %d has tokens %v", c.ID(), tokenTexts(h.rec, c))
		}
	}
}

func TestProcess_LeafElementReplacedWholesale(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.doc.CreateElement("caption-segment")
	span := h.doc.CreateElement("inner")
	_ = h.doc.AppendChild(span, h.doc.CreateText("hello world"))
	_ = h.doc.AppendChild(c, span)
	_ = h.doc.AppendChild(h.doc.Root(), c)

	tokens, err := h.rec.Process(c)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if tokens != 2 {
		t.Errorf("tokens = %d, want 2", tokens)
	}
	if span.Parent() != nil {
		t.Error("text-only leaf element should have been replaced")
	}
	kids := c.Children()
	if len(kids) != 3 || !h.rec.IsToken(kids[0]) || !kids[1].IsText() || !h.rec.IsToken(kids[2]) {
		t.Errorf("children = %d nodes, want token, separator, token", len(kids))
	}
}

func TestProcess_RecursesIntoMixedElements(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.doc.CreateElement("caption-segment")
	outer := h.doc.CreateElement("outer")
	inner := h.doc.CreateElement("inner")
	_ = h.doc.AppendChild(inner, h.doc.CreateText("deep"))
	_ = h.doc.AppendChild(outer, h.doc.CreateText("shallow "))
	_ = h.doc.AppendChild(outer, inner)
	_ = h.doc.AppendChild(c, outer)
	_ = h.doc.AppendChild(h.doc.Root(), c)

	if _, err := h.rec.Process(c); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if outer.Parent() != c {
		t.Error("element with element children must be kept")
	}
	if got, want := tokenTexts(h.rec, c), []string{"shallow", "deep"}; !slices.Equal(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
}

func TestProcess_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c, _ := h.container(t, "don't stop, now!")
	if _, err := h.rec.Process(c); err != nil {
		t.Fatalf("Process: %v", err)
	}
	h.settle(t)

	tokens, err := h.rec.Process(c)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if tokens != 0 || h.doc.Pending() != 0 {
		t.Errorf("second Process created %d tokens and %d records, want none", tokens, h.doc.Pending())
	}
	if got, want := tokenTexts(h.rec, c), []string{"don't", "stop", "now"}; !slices.Equal(got, want) {
		t.Errorf("tokens = %v, want %v", got, want)
	}
}

func TestProcess_FailureIsolatedPerContainer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	bad, _ := h.container(t, "bad line")
	good, _ := h.container(t, "good line")
	h.panicOn = bad
	h.deliver(t)

	h.clock.Advance(0)
	if len(h.processed) != 1 || h.processed[0].node != good {
		t.Errorf("processed = %+v, want only the healthy container", h.processed)
	}
}

func TestTeardown_NoTimerFiresAfterwards(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, txt := h.container(t, "one")
	h.container(t, "two")
	h.deliver(t)
	_ = h.doc.SetData(txt, "one more")
	h.deliver(t)
	sw := NewSweeper(h.rec)
	sw.Start()

	h.rec.Teardown()
	sw.Stop()
	h.clock.Advance(10 * time.Second)

	if len(h.processed) != 0 {
		t.Errorf("processed %d containers after teardown", len(h.processed))
	}
	if h.clock.Pending() != 0 {
		t.Errorf("clock has %d pending timers after teardown", h.clock.Pending())
	}

	h.container(t, "late")
	h.deliver(t)
	h.rec.Schedule(h.doc.Root().Children()[0], 0)
	sw.Start()
	h.clock.Advance(time.Second)
	if len(h.processed) != 0 || sw.Running() {
		t.Error("reconciler accepted work after teardown")
	}
}
