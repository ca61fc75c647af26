package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the timer
	// was still pending (one-shot) or active (periodic). Stop must be called
	// from the loop goroutine for the no-fire-after-stop guarantee to hold.
	Stop() bool
}

// Scheduler creates timers whose callbacks run on the engine's loop.
type Scheduler interface {
	// AfterFunc runs fn once after d. A d <= 0 runs fn on the next loop turn.
	AfterFunc(d time.Duration, fn func()) Timer

	// Every runs fn repeatedly every d until the returned timer is stopped.
	Every(d time.Duration, fn func()) Timer

	// Now returns the scheduler's current time.
	Now() time.Time
}

// ── Real ─────────────────────────────────────────────────────────────────────

// Real is a wall-clock [Scheduler] whose callbacks are posted to a [Loop].
type Real struct {
	loop *Loop

	mu     sync.Mutex
	active map[*realTimer]struct{}
	closed bool
}

// Compile-time interface assertion.
var _ Scheduler = (*Real)(nil)

// NewReal returns a scheduler that dispatches callbacks onto loop.
func NewReal(loop *Loop) *Real {
	return &Real{loop: loop, active: make(map[*realTimer]struct{})}
}

type realTimer struct {
	owner   *Real
	stopped atomic.Bool
	timer   *time.Timer
	ticker  *time.Ticker
	quit    chan struct{}
}

// AfterFunc implements [Scheduler].
func (r *Real) AfterFunc(d time.Duration, fn func()) Timer {
	t := &realTimer{owner: r}
	if !r.track(t) {
		t.stopped.Store(true)
		return t
	}
	if d < 0 {
		d = 0
	}
	t.timer = time.AfterFunc(d, func() {
		r.loop.Post(func() {
			// Checked on the loop: a Stop issued before this task runs wins.
			if t.stopped.Swap(true) {
				return
			}
			r.untrack(t)
			fn()
		})
	})
	return t
}

// Every implements [Scheduler].
func (r *Real) Every(d time.Duration, fn func()) Timer {
	t := &realTimer{owner: r, quit: make(chan struct{})}
	if !r.track(t) || d <= 0 {
		t.stopped.Store(true)
		return t
	}
	t.ticker = time.NewTicker(d)
	go func() {
		for {
			select {
			case <-t.quit:
				return
			case <-t.ticker.C:
				r.loop.Post(func() {
					if t.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()
	return t
}

// Now implements [Scheduler].
func (r *Real) Now() time.Time { return time.Now() }

// Close stops every outstanding timer. Timers created afterwards never fire.
func (r *Real) Close() {
	r.mu.Lock()
	r.closed = true
	timers := make([]*realTimer, 0, len(r.active))
	for t := range r.active {
		timers = append(timers, t)
	}
	r.active = map[*realTimer]struct{}{}
	r.mu.Unlock()

	for _, t := range timers {
		t.halt()
	}
}

// Active returns the number of pending one-shot and running periodic timers.
func (r *Real) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Real) track(t *realTimer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.active[t] = struct{}{}
	return true
}

func (r *Real) untrack(t *realTimer) {
	r.mu.Lock()
	delete(r.active, t)
	r.mu.Unlock()
}

func (t *realTimer) Stop() bool {
	wasActive := t.halt()
	t.owner.untrack(t)
	return wasActive
}

// halt marks the timer stopped and releases its runtime resources.
func (t *realTimer) halt() bool {
	if t.stopped.Swap(true) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.quit)
	}
	return true
}
