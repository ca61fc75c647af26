package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lexicaption/internal/panel"
	panelmock "github.com/MrWong99/lexicaption/internal/panel/mock"
	"github.com/MrWong99/lexicaption/pkg/enrich"
	enrichmock "github.com/MrWong99/lexicaption/pkg/enrich/mock"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// queue is a Poster whose tasks run only when the test drains it.
type queue struct {
	mu     sync.Mutex
	tasks  []func()
	posted chan struct{}
	closed bool
}

func newQueue() *queue { return &queue{posted: make(chan struct{}, 64)} }

func (q *queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.posted <- struct{}{}
	return true
}

// next waits for one posted task and runs it.
func (q *queue) next(t *testing.T) {
	t.Helper()
	select {
	case <-q.posted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a completion")
	}
	q.mu.Lock()
	fn := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.mu.Unlock()
	fn()
}

// gated returns an enricher whose calls for a given text block until
// release(text) is called.
func gated() (*enrichmock.Enricher, func(text string)) {
	var mu sync.Mutex
	gates := map[string]chan struct{}{}
	gate := func(text string) chan struct{} {
		mu.Lock()
		defer mu.Unlock()
		if gates[text] == nil {
			gates[text] = make(chan struct{})
		}
		return gates[text]
	}
	e := &enrichmock.Enricher{
		EnrichFunc: func(_ context.Context, text, _ string) (*lexical.Entry, error) {
			<-gate(text)
			return &lexical.Entry{Query: text}, nil
		},
	}
	return e, func(text string) { close(gate(text)) }
}

func TestStart_ShowsLoadingThenEntry(t *testing.T) {
	t.Parallel()
	q := newQueue()
	r := panelmock.New()
	e, release := gated()
	m := New(q, e, r)

	a := panel.Anchor{NodeID: 7, Text: "cats"}
	h, ok := m.Start("  cats ", "I love cats", a)
	if !ok {
		t.Fatal("Start returned false")
	}
	if h.ID != 1 || h.Text != "cats" {
		t.Errorf("handle = %+v", h)
	}
	if cur, ok := m.Current(); !ok || cur.ID != h.ID {
		t.Errorf("Current = %+v, %v", cur, ok)
	}

	release("cats")
	q.next(t)

	if got, want := r.Kinds(), []panelmock.Kind{panelmock.Loading, panelmock.Entry}; !slices.Equal(got, want) {
		t.Fatalf("renderer calls = %v, want %v", got, want)
	}
	last, _ := r.Last()
	if last.Entry.Query != "cats" || last.Anchor != a {
		t.Errorf("entry event = %+v", last)
	}
	if _, ok := m.Current(); ok {
		t.Error("current should be cleared after completion")
	}
	if calls := e.Calls(); len(calls) != 1 || calls[0].Context != "I love cats" {
		t.Errorf("enrich calls = %+v", calls)
	}
}

func TestStart_BlankTextIsIgnored(t *testing.T) {
	t.Parallel()
	r := panelmock.New()
	m := New(newQueue(), &enrichmock.Enricher{}, r)
	if _, ok := m.Start(" \t", "ctx", panel.Anchor{}); ok {
		t.Error("blank text started a request")
	}
	if len(r.Events()) != 0 {
		t.Error("blank text touched the renderer")
	}
}

func TestStaleResponseIsDropped(t *testing.T) {
	t.Parallel()
	q := newQueue()
	r := panelmock.New()
	e, release := gated()
	m := New(q, e, r)

	a, _ := m.Start("first", "", panel.Anchor{NodeID: 1})
	b, _ := m.Start("second", "", panel.Anchor{NodeID: 2})
	if b.ID <= a.ID {
		t.Errorf("IDs not monotonic: %d then %d", a.ID, b.ID)
	}

	release("second")
	q.next(t)
	release("first")
	q.next(t)

	if got := m.Stale(); got != 1 {
		t.Errorf("Stale = %d, want 1", got)
	}
	var shown []string
	for _, ev := range r.Events() {
		if ev.Kind == panelmock.Entry {
			shown = append(shown, ev.Entry.Query)
		}
	}
	if !slices.Equal(shown, []string{"second"}) {
		t.Errorf("entries shown = %v, want only [second]", shown)
	}
}

func TestStart_LeavesPreviousCallRunning(t *testing.T) {
	t.Parallel()
	q := newQueue()
	release := make(chan struct{})
	ctxErr := make(chan error, 1)
	e := &enrichmock.Enricher{EnrichFunc: func(ctx context.Context, text, _ string) (*lexical.Entry, error) {
		if text == "slow" {
			<-release
			ctxErr <- ctx.Err()
		}
		return &lexical.Entry{Query: text}, nil
	}}
	r := panelmock.New()
	m := New(q, e, r)

	m.Start("slow", "", panel.Anchor{})
	m.Start("fast", "", panel.Anchor{})
	q.next(t)

	close(release)
	if err := <-ctxErr; err != nil {
		t.Errorf("superseded call ctx err = %v, want nil", err)
	}
	q.next(t)
	if m.Stale() != 1 {
		t.Errorf("Stale = %d, want 1", m.Stale())
	}
	var shown []string
	for _, ev := range r.Events() {
		if ev.Kind == panelmock.Entry {
			shown = append(shown, ev.Entry.Query)
		}
	}
	if !slices.Equal(shown, []string{"fast"}) {
		t.Errorf("entries shown = %v, want only [fast]", shown)
	}
}

func TestDismiss_LeavesCallRunning(t *testing.T) {
	t.Parallel()
	q := newQueue()
	release := make(chan struct{})
	ctxErr := make(chan error, 1)
	e := &enrichmock.Enricher{EnrichFunc: func(ctx context.Context, text, _ string) (*lexical.Entry, error) {
		<-release
		ctxErr <- ctx.Err()
		return &lexical.Entry{Query: text}, nil
	}}
	m := New(q, e, panelmock.New())

	m.Start("cats", "", panel.Anchor{})
	m.Dismiss()
	close(release)
	if err := <-ctxErr; err != nil {
		t.Errorf("dismissed call ctx err = %v, want nil", err)
	}
	q.next(t)
	if m.Stale() != 1 {
		t.Errorf("Stale = %d, want 1", m.Stale())
	}
}

func TestClose_AbortsCallsInFlight(t *testing.T) {
	t.Parallel()
	q := newQueue()
	aborted := make(chan string, 2)
	e := &enrichmock.Enricher{EnrichFunc: func(ctx context.Context, text, _ string) (*lexical.Entry, error) {
		<-ctx.Done()
		aborted <- text
		return nil, ctx.Err()
	}}
	r := panelmock.New()
	m := New(q, e, r)

	m.Start("first", "", panel.Anchor{})
	m.Start("second", "", panel.Anchor{})
	m.Close()

	got := []string{<-aborted, <-aborted}
	slices.Sort(got)
	if !slices.Equal(got, []string{"first", "second"}) {
		t.Errorf("aborted = %v, want both calls", got)
	}
	m.Wait()
	q.next(t)
	q.next(t)
	if m.Stale() != 2 {
		t.Errorf("Stale = %d, want 2", m.Stale())
	}
	if got, want := r.Kinds(), []panelmock.Kind{panelmock.Loading, panelmock.Loading, panelmock.Closed}; !slices.Equal(got, want) {
		t.Errorf("renderer calls = %v, want %v", got, want)
	}
}

func TestDismiss_ClosesAndDropsLateResult(t *testing.T) {
	t.Parallel()
	q := newQueue()
	r := panelmock.New()
	e, release := gated()
	m := New(q, e, r)

	m.Start("cats", "", panel.Anchor{})
	m.Dismiss()
	if _, ok := m.Current(); ok {
		t.Error("Dismiss left a current request")
	}
	release("cats")
	q.next(t)

	if got, want := r.Kinds(), []panelmock.Kind{panelmock.Loading, panelmock.Closed}; !slices.Equal(got, want) {
		t.Errorf("renderer calls = %v, want %v", got, want)
	}
	if m.Stale() != 1 {
		t.Errorf("Stale = %d, want 1", m.Stale())
	}
}

func TestFailure_ShowsMappedMessage(t *testing.T) {
	t.Parallel()
	q := newQueue()
	r := panelmock.New()
	e := &enrichmock.Enricher{Err: fmt.Errorf("gate: %w", enrich.ErrConfiguration)}
	m := New(q, e, r)

	m.Start("cats", "", panel.Anchor{NodeID: 3})
	q.next(t)

	last, _ := r.Last()
	if last.Kind != panelmock.Error || last.Message != Message(enrich.ErrConfiguration) {
		t.Errorf("last event = %+v", last)
	}
	if _, ok := m.Current(); ok {
		t.Error("current should be cleared after failure")
	}
}

func TestNilEntryIsFormatError(t *testing.T) {
	t.Parallel()
	q := newQueue()
	r := panelmock.New()
	m := New(q, &enrichmock.Enricher{}, r)
	m.Start("cats", "", panel.Anchor{})
	q.next(t)
	last, _ := r.Last()
	if last.Kind != panelmock.Error || last.Message != Message(enrich.ErrFormat) {
		t.Errorf("last event = %+v", last)
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	q := newQueue()
	r := panelmock.New()
	e := &enrichmock.Enricher{EnrichFunc: func(ctx context.Context, _, _ string) (*lexical.Entry, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", enrich.ErrTransport, ctx.Err())
	}}
	m := New(q, e, r, WithTimeout(10*time.Millisecond))
	m.Start("cats", "", panel.Anchor{})
	q.next(t)
	last, _ := r.Last()
	if last.Message != Message(context.DeadlineExceeded) {
		t.Errorf("message = %q, want the timeout message", last.Message)
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for _, err := range []error{
		context.DeadlineExceeded,
		enrich.ErrConfiguration,
		enrich.ErrFormat,
		enrich.ErrTransport,
		errors.New("other"),
	} {
		msg := Message(err)
		if msg == "" {
			t.Errorf("Message(%v) is empty", err)
		}
		if seen[msg] {
			t.Errorf("Message(%v) = %q is not distinct", err, msg)
		}
		seen[msg] = true
	}
	if Message(nil) != "" {
		t.Error("Message(nil) should be empty")
	}
}
