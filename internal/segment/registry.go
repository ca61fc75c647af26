// Package segment tracks per-container processing state for the overlay.
//
// Each observed container gets a [Record] holding the text it was last
// tokenized with and whether it holds rendered tokens. The registry never
// keeps a container alive: entries are keyed by [weak.Pointer] and removed by
// a runtime cleanup once the container is collected.
package segment

import (
	"runtime"
	"sync"
	"weak"

	"github.com/MrWong99/lexicaption/internal/sched"
	"github.com/MrWong99/lexicaption/pkg/dom"
	"github.com/MrWong99/lexicaption/pkg/tokenize"
)

// Record is the engine-owned metadata of one container.
type Record struct {
	// LastText is the trimmed text the container was last processed with.
	LastText string

	// HasTokens is set once the container has been processed.
	HasTokens bool
}

type entry struct {
	rec     Record
	pending sched.Timer
}

// Registry is the side-table of container records. It is safe for concurrent
// use; cleanup hooks run on runtime goroutines.
type Registry struct {
	tokenClass string

	mu      sync.Mutex
	entries map[weak.Pointer[dom.Node]]*entry
}

// New returns an empty registry. tokenClass is the class name carried by
// rendered token elements.
func New(tokenClass string) *Registry {
	return &Registry{
		tokenClass: tokenClass,
		entries:    make(map[weak.Pointer[dom.Node]]*entry),
	}
}

// ShouldReprocess reports whether c needs (re)tokenization for currentText:
// the text differs from the last commit (or there is none), or the container
// holds no rendered tokens although currentText would yield some.
//
// The zero-token clause is narrower than "holds no tokens": text without
// words ("♪♪", "MP3", "1990s") legitimately renders zero tokens, and
// reporting it would have every sweep rewrite the same container.
func (r *Registry) ShouldReprocess(c *dom.Node, currentText string) bool {
	r.mu.Lock()
	e, ok := r.entries[weak.Make(c)]
	var last string
	if ok {
		last = e.rec.LastText
	}
	r.mu.Unlock()

	if !ok || last != currentText {
		return true
	}
	return tokenize.HasWords(currentText) && r.CountTokens(c) == 0
}

// Commit records that c was processed with text and now holds tokens.
func (r *Registry) Commit(c *dom.Node, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(c)
	e.rec.LastText = text
	e.rec.HasTokens = true
}

// Lookup returns c's record.
func (r *Registry) Lookup(c *dom.Node) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[weak.Make(c)]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Forget drops c's record and stops its pending timer, if any.
func (r *Registry) Forget(c *dom.Node) {
	r.mu.Lock()
	key := weak.Make(c)
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if ok && e.pending != nil {
		e.pending.Stop()
	}
}

// Len returns the number of tracked containers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ── Pending timers ───────────────────────────────────────────────────────────

// SetPending installs t as c's pending timer and returns the timer it
// replaces, which the caller is expected to stop.
func (r *Registry) SetPending(c *dom.Node, t sched.Timer) sched.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(c)
	prev := e.pending
	e.pending = t
	return prev
}

// TakePending clears and returns c's pending timer.
func (r *Registry) TakePending(c *dom.Node) sched.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[weak.Make(c)]
	if !ok {
		return nil
	}
	t := e.pending
	e.pending = nil
	return t
}

// ClearPending clears c's pending timer if it is still t. Fired timers call
// it so that a newer schedule installed meanwhile is left in place.
func (r *Registry) ClearPending(c *dom.Node, t sched.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[weak.Make(c)]; ok && e.pending == t {
		e.pending = nil
	}
}

// HasPending reports whether c has a pending timer.
func (r *Registry) HasPending(c *dom.Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[weak.Make(c)]
	return ok && e.pending != nil
}

// PendingCount returns the number of containers with a pending timer.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.pending != nil {
			n++
		}
	}
	return n
}

// StopAll stops and clears every pending timer.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	var timers []sched.Timer
	for _, e := range r.entries {
		if e.pending != nil {
			timers = append(timers, e.pending)
			e.pending = nil
		}
	}
	r.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	return len(timers)
}

// CountTokens returns the number of rendered tokens inside c.
func (r *Registry) CountTokens(c *dom.Node) int {
	return len(c.Descendants(func(n *dom.Node) bool { return n.HasClass(r.tokenClass) }))
}

// entryLocked returns c's entry, creating it and its cleanup hook on first
// use. r.mu must be held.
func (r *Registry) entryLocked(c *dom.Node) *entry {
	key := weak.Make(c)
	if e, ok := r.entries[key]; ok {
		return e
	}
	e := &entry{}
	r.entries[key] = e
	runtime.AddCleanup(c, r.collect, key)
	return e
}

func (r *Registry) collect(key weak.Pointer[dom.Node]) {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok && e.pending != nil {
		e.pending.Stop()
	}
}
