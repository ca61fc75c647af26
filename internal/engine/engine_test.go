package engine

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	panelmock "github.com/MrWong99/lexicaption/internal/panel/mock"
	"github.com/MrWong99/lexicaption/internal/sched"
	"github.com/MrWong99/lexicaption/pkg/audio"
	audiomock "github.com/MrWong99/lexicaption/pkg/audio/mock"
	"github.com/MrWong99/lexicaption/pkg/dom"
	enrichmock "github.com/MrWong99/lexicaption/pkg/enrich/mock"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	eng      *Engine
	clock    *sched.Virtual
	renderer *panelmock.Renderer
	enricher *enrichmock.Enricher
	ctx      context.Context
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:    sched.NewVirtual(time.Unix(0, 0)),
		renderer: panelmock.New(),
		enricher: &enrichmock.Enricher{Entry: &lexical.Entry{Query: "cats"}},
	}
	opts = append([]Option{WithScheduler(f.clock), WithRenderer(f.renderer)}, opts...)
	eng, err := New(DefaultConfig(), f.enricher, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.eng = eng

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	f.ctx = ctx
	go func() { _ = eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-eng.Done()
	})

	select {
	case <-eng.Ready():
	case <-ctx.Done():
		t.Fatal("engine never attached")
	}
	return f
}

// advance moves virtual time on the loop and waits for the resulting work.
func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	if err := f.eng.Do(f.ctx, func() { f.clock.Advance(d) }); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := f.eng.Sync(f.ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

// addLine appends a caption container holding text as a host edit and
// returns the container and its text node.
func (f *fixture) addLine(t *testing.T, text string) (container, txt dom.NodeID) {
	t.Helper()
	err := f.eng.ApplyHost(f.ctx, func(doc *dom.Document) error {
		c := doc.CreateElement("ytp-caption-segment")
		tn := doc.CreateText(text)
		if err := doc.AppendChild(c, tn); err != nil {
			return err
		}
		container, txt = c.ID(), tn.ID()
		return doc.AppendChild(doc.Root(), c)
	})
	if err != nil {
		t.Fatalf("ApplyHost: %v", err)
	}
	if err := f.eng.Sync(f.ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return container, txt
}

// tokens returns the rendered tokens of container id, as node IDs and texts.
func (f *fixture) tokens(t *testing.T, id dom.NodeID) ([]dom.NodeID, []string) {
	t.Helper()
	var (
		ids   []dom.NodeID
		texts []string
	)
	err := f.eng.Do(f.ctx, func() {
		c := f.eng.doc.Lookup(id)
		if c == nil {
			return
		}
		for _, tok := range c.Descendants(f.eng.rec.IsToken) {
			ids = append(ids, tok.ID())
			texts = append(texts, tok.TextContent())
		}
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return ids, texts
}

func tokenNamed(t *testing.T, ids []dom.NodeID, texts []string, word string) dom.NodeID {
	t.Helper()
	i := slices.Index(texts, word)
	if i < 0 {
		t.Fatalf("no token %q in %v", word, texts)
	}
	return ids[i]
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestEngine_ILoveCats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	c, _ := f.addLine(t, "I love cats")
	if _, texts := f.tokens(t, c); len(texts) != 0 {
		t.Fatalf("tokens before the scheduler turned: %v", texts)
	}
	f.advance(t, 0)

	ids, texts := f.tokens(t, c)
	if want := []string{"I", "love", "cats"}; !slices.Equal(texts, want) {
		t.Fatalf("tokens = %v, want %v", texts, want)
	}

	h, ok, err := f.eng.Click(f.ctx, tokenNamed(t, ids, texts, "cats"))
	if err != nil || !ok {
		t.Fatalf("Click = (%v, %v), want a started lookup", ok, err)
	}
	if h.Text != "cats" || h.Context != "I love cats" {
		t.Errorf("handle = %+v, want text cats in context %q", h, "I love cats")
	}
	if err := f.eng.Wait(f.ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got, want := f.renderer.Kinds(), []panelmock.Kind{panelmock.Loading, panelmock.Entry}; !slices.Equal(got, want) {
		t.Fatalf("renderer calls = %v, want %v", got, want)
	}
	last, _ := f.renderer.Last()
	if last.Entry == nil || last.Entry.Query != "cats" {
		t.Errorf("shown entry = %+v, want query cats", last.Entry)
	}
	if last.Anchor.Text != "cats" {
		t.Errorf("anchor text = %q, want cats", last.Anchor.Text)
	}
	calls := f.enricher.Calls()
	if len(calls) != 1 || calls[0].Text != "cats" || calls[0].Context != "I love cats" {
		t.Errorf("enricher calls = %+v", calls)
	}
}

func TestEngine_UpdateIsDebounced(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	c, _ := f.addLine(t, "I love")
	f.advance(t, 0)

	// The host rewrites the line: the old tokens are replaced by one text.
	err := f.eng.ApplyHost(f.ctx, func(doc *dom.Document) error {
		cn := doc.Lookup(c)
		for _, child := range cn.Children() {
			doc.Remove(child)
		}
		return doc.AppendChild(cn, doc.CreateText("I love cats"))
	})
	if err != nil {
		t.Fatalf("ApplyHost: %v", err)
	}
	if err := f.eng.Sync(f.ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	f.advance(t, 100*time.Millisecond)
	if _, texts := f.tokens(t, c); len(texts) != 0 {
		t.Fatalf("tokens inside the debounce window = %v, want none", texts)
	}
	f.advance(t, 50*time.Millisecond)
	if _, texts := f.tokens(t, c); !slices.Equal(texts, []string{"I", "love", "cats"}) {
		t.Errorf("tokens after the debounce = %v", texts)
	}
}

func TestEngine_DragSelection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	c, _ := f.addLine(t, "The quick, brown fox")
	f.advance(t, 0)
	ids, texts := f.tokens(t, c)
	quick := tokenNamed(t, ids, texts, "quick")
	brown := tokenNamed(t, ids, texts, "brown")

	if err := f.eng.KeyDown(f.ctx, "shift"); err != nil {
		t.Fatalf("KeyDown: %v", err)
	}
	for _, id := range []dom.NodeID{quick, brown} {
		if err := f.eng.Hover(f.ctx, id); err != nil {
			t.Fatalf("Hover: %v", err)
		}
	}
	st, err := f.eng.Stats(f.ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !st.Selecting || st.Highlighted != 2 {
		t.Errorf("stats = %+v, want selecting with 2 highlighted", st)
	}

	h, ok, err := f.eng.Click(f.ctx, brown)
	if err != nil || !ok {
		t.Fatalf("Click = (%v, %v)", ok, err)
	}
	if h.Text != "quick, brown" {
		t.Errorf("text = %q, want %q", h.Text, "quick, brown")
	}
	if err := f.eng.Wait(f.ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st, _ := f.eng.Stats(f.ctx); st.Highlighted != 0 {
		t.Errorf("highlight not cleared after commit: %+v", st)
	}
}

func TestEngine_OtherKeysIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.eng.KeyDown(f.ctx, "Control"); err != nil {
		t.Fatalf("KeyDown: %v", err)
	}
	st, err := f.eng.Stats(f.ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Selecting {
		t.Error("non-modifier key started a selection")
	}
}

func TestEngine_DismissDropsLateLookup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	release := make(chan struct{})
	ctxErr := make(chan error, 1)
	f.enricher.EnrichFunc = func(ctx context.Context, _, _ string) (*lexical.Entry, error) {
		<-release
		ctxErr <- ctx.Err()
		return &lexical.Entry{Query: "cats"}, nil
	}

	c, _ := f.addLine(t, "I love cats")
	f.advance(t, 0)
	ids, texts := f.tokens(t, c)
	if _, ok, err := f.eng.Click(f.ctx, tokenNamed(t, ids, texts, "cats")); err != nil || !ok {
		t.Fatalf("Click = (%v, %v)", ok, err)
	}
	if err := f.eng.Dismiss(f.ctx); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	close(release)
	if err := f.eng.Wait(f.ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := <-ctxErr; err != nil {
		t.Errorf("dismissed lookup ctx err = %v, want nil", err)
	}

	if got, want := f.renderer.Kinds(), []panelmock.Kind{panelmock.Loading, panelmock.Closed}; !slices.Equal(got, want) {
		t.Errorf("renderer calls = %v, want %v", got, want)
	}
	st, _ := f.eng.Stats(f.ctx)
	if st.Request != nil {
		t.Errorf("request still current after dismiss: %+v", st.Request)
	}
	if st.StaleResponses != 1 {
		t.Errorf("StaleResponses = %d, want 1", st.StaleResponses)
	}
}

func TestEngine_SweepRescuesUnobservedContainer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// A write that bypasses ApplyRemote is invisible to the reconciler, like
	// a batch the observer dropped.
	var id dom.NodeID
	err := f.eng.Do(f.ctx, func() {
		doc := f.eng.doc
		c := doc.CreateElement("ytp-caption-segment")
		_ = doc.AppendChild(c, doc.CreateText("hello world"))
		_ = doc.AppendChild(doc.Root(), c)
		id = c.ID()
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if err := f.eng.Sync(f.ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	f.advance(t, 0)
	if _, texts := f.tokens(t, id); len(texts) != 0 {
		t.Fatalf("unobserved container processed early: %v", texts)
	}

	cfg := f.eng.Config().Reconcile
	f.advance(t, cfg.SweepInterval+cfg.SweepDelay)
	if _, texts := f.tokens(t, id); !slices.Equal(texts, []string{"hello", "world"}) {
		t.Errorf("tokens after sweep = %v", texts)
	}
}

func TestEngine_TeardownRejectsInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addLine(t, "I love cats")

	f.eng.Close()
	<-f.eng.Done()

	err := f.eng.ApplyHost(context.Background(), func(*dom.Document) error { return nil })
	if !errors.Is(err, sched.ErrLoopClosed) {
		t.Errorf("ApplyHost after teardown = %v, want ErrLoopClosed", err)
	}
	if f.eng.Alive() {
		t.Error("Alive after teardown")
	}
	if got := f.clock.Pending(); got != 0 {
		t.Errorf("virtual timers after teardown = %d, want 0", got)
	}
}

func TestEngine_RunTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.eng.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("second Run = %v, want ErrRunning", err)
	}
}

func TestEngine_PlayAudio(t *testing.T) {
	t.Parallel()
	fetcher := &audiomock.Fetcher{Data: map[string][]byte{"tts://cats": []byte("mp3")}}
	player := &audiomock.Player{}
	f := newFixture(t, WithAudio(audio.NewService(fetcher, player)))

	if err := f.eng.PlayAudio(f.ctx, "tts://cats"); err != nil {
		t.Fatalf("PlayAudio: %v", err)
	}
	if got := len(player.Played()); got != 1 {
		t.Errorf("played %d clips, want 1", got)
	}
}

func TestEngine_PlayAudioUnconfigured(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.eng.PlayAudio(f.ctx, "tts://cats"); !errors.Is(err, ErrNoAudio) {
		t.Errorf("PlayAudio = %v, want ErrNoAudio", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Reconcile.TokenClass = ""
	cfg.Reconcile.UpdateDelay = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation errors")
	}
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil enricher")
	}
}
