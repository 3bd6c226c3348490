package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Scheduler serializes every callback of the pipeline onto one goroutine.
// Normalizer, Batcher, Queue and Coordinator are not safe for concurrent use;
// they rely on all of their entry points being run through a Scheduler.
type Scheduler interface {
	Now() time.Time
	// AfterFunc runs f on the scheduler goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
	// Post runs f on the scheduler goroutine. It never blocks and may be
	// called from any goroutine, including the scheduler's own.
	Post(f func())
}

// Loop is the production Scheduler: a single goroutine draining an unbounded
// FIFO of callbacks.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) Post(f func()) {
	l.mu.Lock()
	l.pending = append(l.pending, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			// Stop may have been called after the runtime timer fired but
			// before this callback reached the loop.
			if lt.stopped.Load() {
				return
			}
			lt.fired.Store(true)
			f()
		})
	})
	return lt
}

// Do posts f and waits until it has run. It must not be called from the loop
// goroutine.
func (l *Loop) Do(ctx context.Context, f func()) error {
	ran := make(chan struct{})
	l.Post(func() {
		f()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, f := range batch {
			if ctx.Err() != nil {
				return
			}
			f()
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// Done is closed once Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
	fired   atomic.Bool
}

func (lt *loopTimer) Stop() bool {
	lt.t.Stop()
	if lt.fired.Load() {
		return false
	}
	return !lt.stopped.Swap(true)
}
