// Package mock provides a recording panel.Renderer for tests.
package mock

import (
	"sync"

	"github.com/MrWong99/lexicaption/internal/panel"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// Kind names a renderer call.
type Kind string

const (
	Loading Kind = "loading"
	Entry   Kind = "entry"
	Error   Kind = "error"
	Closed  Kind = "close"
)

// Event is one recorded renderer call. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind    Kind
	Anchor  panel.Anchor
	Query   string
	Entry   *lexical.Entry
	Message string
}

// Renderer records every call in order.
type Renderer struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// New returns an empty recording renderer.
func New() *Renderer {
	return &Renderer{notify: make(chan struct{}, 64)}
}

func (r *Renderer) ShowLoading(a panel.Anchor, query string) {
	r.add(Event{Kind: Loading, Anchor: a, Query: query})
}

func (r *Renderer) ShowEntry(a panel.Anchor, e *lexical.Entry) {
	r.add(Event{Kind: Entry, Anchor: a, Entry: e})
}

func (r *Renderer) ShowError(a panel.Anchor, msg string) {
	r.add(Event{Kind: Error, Anchor: a, Message: msg})
}

func (r *Renderer) Close() { r.add(Event{Kind: Closed}) }

// Events returns a copy of the recorded calls.
func (r *Renderer) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded calls in order.
func (r *Renderer) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// Last returns the most recent call.
func (r *Renderer) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

// Notify receives a value after every recorded call. Sends are dropped when
// nobody is listening.
func (r *Renderer) Notify() <-chan struct{} { return r.notify }

func (r *Renderer) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

var _ panel.Renderer = (*Renderer)(nil)
