package sched

import (
	"slices"
	"sync"
	"time"
)

// ── Virtual ──────────────────────────────────────────────────────────────────

// Virtual is a manually advanced [Scheduler] for tests. Callbacks run on the
// goroutine calling [Virtual.Advance], in due-time order; timers due at the
// same instant run in creation order. Virtual is safe for concurrent use, but
// callbacks are never run concurrently.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*virtualTimer
}

// Compile-time interface assertion.
var _ Scheduler = (*Virtual)(nil)

// NewVirtual returns a virtual scheduler whose clock starts at start. A zero
// start selects a fixed, arbitrary epoch.
func NewVirtual(start time.Time) *Virtual {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Virtual{now: start}
}

type virtualTimer struct {
	owner  *Virtual
	when   time.Time
	period time.Duration
	seq    uint64
	fn     func()
	active bool
}

// AfterFunc implements [Scheduler].
func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.add(v.now.Add(d), 0, fn)
}

// Every implements [Scheduler]. A period <= 0 returns an inert timer.
func (v *Virtual) Every(d time.Duration, fn func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d <= 0 {
		return &virtualTimer{owner: v}
	}
	return v.add(v.now.Add(d), d, fn)
}

// Now implements [Scheduler].
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Pending returns the number of active timers.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

// Advance moves the clock forward by d, running every callback that becomes
// due on the way. Callbacks scheduled by callbacks run too if they fall due
// within the window. Advance(0) runs timers that are already due.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	deadline := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		t := v.nextDue(deadline)
		if t == nil {
			v.now = deadline
			v.mu.Unlock()
			return
		}
		v.now = t.when
		if t.period > 0 {
			v.seq++
			t.seq = v.seq
			t.when = t.when.Add(t.period)
		} else {
			t.active = false
			v.remove(t)
		}
		fn := t.fn
		v.mu.Unlock()

		fn()
	}
}

// nextDue returns the earliest active timer due at or before deadline.
func (v *Virtual) nextDue(deadline time.Time) *virtualTimer {
	if len(v.timers) == 0 {
		return nil
	}
	slices.SortFunc(v.timers, func(a, b *virtualTimer) int {
		if c := a.when.Compare(b.when); c != 0 {
			return c
		}
		return int(a.seq) - int(b.seq)
	})
	t := v.timers[0]
	if t.when.After(deadline) {
		return nil
	}
	return t
}

func (v *Virtual) add(when time.Time, period time.Duration, fn func()) *virtualTimer {
	v.seq++
	t := &virtualTimer{owner: v, when: when, period: period, seq: v.seq, fn: fn, active: true}
	v.timers = append(v.timers, t)
	return t
}

func (v *Virtual) remove(t *virtualTimer) {
	v.timers = slices.DeleteFunc(v.timers, func(o *virtualTimer) bool { return o == t })
}

func (t *virtualTimer) Stop() bool {
	if t.owner == nil {
		return false
	}
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if !t.active {
		return false
	}
	t.active = false
	t.owner.remove(t)
	return true
}
