// Package sched provides the single-threaded event loop the engine runs on
// and the timer abstraction used for debouncing and periodic sweeps.
//
// All engine state is owned by one [Loop]: mutation batches, timer firings,
// gestures, and asynchronous completions are posted to it as tasks and run
// one at a time, never concurrently. [Real] timers post their callbacks to a
// loop; [Virtual] timers run callbacks on the caller's goroutine when the
// virtual clock is advanced, which makes time-dependent behaviour
// deterministic in tests.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrLoopClosed is returned by [Loop.Do] when the loop has shut down.
var ErrLoopClosed = errors.New("sched: loop closed")

// Loop runs posted tasks sequentially on the goroutine that calls [Loop.Run].
// Post is safe for concurrent use; tasks themselves are never concurrent.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// afterTask hooks run after every task, still on the loop goroutine.
	afterTask []func()

	closeOnce sync.Once
}

// NewLoop returns a loop that is ready to accept tasks.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// AfterTask registers fn to run after every task. It must be called before
// [Loop.Run].
func (l *Loop) AfterTask(fn func()) {
	l.afterTask = append(l.afterTask, fn)
}

// Post enqueues fn. It reports false, and drops fn, once the loop is closed.
// The queue is unbounded so that tasks may post further tasks.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits for it to finish. It returns ctx.Err() if ctx ends
// first and [ErrLoopClosed] if the loop closes before fn runs.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return ErrLoopClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrLoopClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is cancelled or [Loop.Close] is called. Tasks
// still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.runTask(fn)
			if l.isClosed() {
				return nil
			}
		}
	}
}

// Close stops the loop. Pending and future tasks are dropped.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Done is closed once the loop has been closed.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// runTask executes fn and the after-task hooks, recovering from panics so a
// single faulty handler cannot stop the loop.
func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sched: task panicked", "panic", r)
		}
	}()
	fn()
	for _, hook := range l.afterTask {
		hook()
	}
}
