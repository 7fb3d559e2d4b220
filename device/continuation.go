package device

import (
	"context"

	"github.com/darkhz/btdevd/internal/eventloop"
)

// continuation is the completion of an operation handed to a collaborator.
// It may be resolved from any goroutine; the callback runs on the loop at
// most once and never after cancel.
type continuation[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	loop *eventloop.Loop
	fn   func(T)
	done bool

	// dropped receives values that arrive after the continuation
	// was aborted, so that they can be released.
	dropped func(T)
}

func newContinuation[T any](loop *eventloop.Loop, fn func(T)) *continuation[T] {
	ctx, cancel := context.WithCancel(context.Background())

	return &continuation[T]{
		ctx:    ctx,
		cancel: cancel,
		loop:   loop,
		fn:     fn,
	}
}

// resolve schedules the callback with v.
func (c *continuation[T]) resolve(v T) {
	c.loop.Post(func() {
		if c.done || c.ctx.Err() != nil {
			if c.dropped != nil {
				c.dropped(v)
			}

			return
		}

		c.done = true
		c.cancel()
		c.fn(v)
	})
}

// abort cancels the continuation and asks the collaborator to stop through
// the context. Only called from the loop.
func (c *continuation[T]) abort() {
	if c == nil {
		return
	}

	c.done = true
	c.cancel()
}

func (c *continuation[T]) pending() bool {
	return c != nil && !c.done
}

type sdpResult struct {
	records []ServiceRecord
	err     error
}

type attResult struct {
	ch  ATTChannel
	err error
}
