// Package eventloop provides the single logical thread on which all device
// state transitions run.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned when a task is posted to a loop that has exited.
var ErrStopped = errors.New("event loop is stopped")

// Loop is an unbounded FIFO task queue drained by a single goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
}

// New returns a new event loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Run executes posted tasks until the context is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()

			return ctx.Err()

		case <-l.wake:
			l.drain(ctx)
		}
	}
}

func (l *Loop) drain(ctx context.Context) {
	for ctx.Err() == nil {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(tasks) == 0 {
			return
		}

		for _, task := range tasks {
			task()
		}
	}
}

// Post queues fn to run on the loop. It never blocks, and it is safe to
// call from the loop itself.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
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

// Call runs fn on the loop and waits for it to return.
// It must not be called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer is a one-shot timer whose function runs on the loop.
// Timers are only started and stopped from the loop.
type Timer struct {
	t       *time.Timer
	stopped bool
	fired   bool
}

// AfterFunc runs fn on the loop after the duration elapses.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}

	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.stopped || timer.fired {
				return
			}

			timer.fired = true
			fn()
		})
	})

	return timer
}

// Stop prevents the timer from firing, and reports whether it was still pending.
// Stop on a nil timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	pending := !t.stopped && !t.fired
	t.stopped = true
	t.t.Stop()

	return pending
}

// Pending reports whether the timer has neither fired nor been stopped.
func (t *Timer) Pending() bool {
	return t != nil && !t.stopped && !t.fired
}
