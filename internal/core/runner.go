package core

import (
	"PerpCurve/internal/event"
	"context"
	"errors"
)

var ErrRunnerStopped = errors.New("core runner stopped")

type submission struct {
	evt   event.Event
	reply chan submitResult
}

type submitResult struct {
	resp *event.Response
	err  error
}

type readRequest struct {
	fn   func(*DeterministicCore)
	done chan struct{}
}

// Runner owns the core on a single goroutine. Every input and every read
// of engine state goes through it, so the core itself needs no locking.
type Runner struct {
	core   *DeterministicCore
	submit chan submission
	reads  chan readRequest
	done   chan struct{}
}

func NewRunner(core *DeterministicCore, queueSize int) *Runner {
	return &Runner{
		core:   core,
		submit: make(chan submission, queueSize),
		reads:  make(chan readRequest),
		done:   make(chan struct{}),
	}
}

// Run processes submissions until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-r.submit:
			resp, err := r.core.ProcessEvent(s.evt)
			s.reply <- submitResult{resp: resp, err: err}
		case req := <-r.reads:
			req.fn(r.core)
			close(req.done)
		}
	}
}

// Submit hands evt to the core and waits for its response.
func (r *Runner) Submit(ctx context.Context, evt event.Event) (*event.Response, error) {
	reply := make(chan submitResult, 1)
	select {
	case r.submit <- submission{evt: evt, reply: reply}:
	case <-r.done:
		return nil, ErrRunnerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.resp, res.err
	case <-r.done:
		return nil, ErrRunnerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read runs fn on the core goroutine between two events. fn must not
// retain references to engine state.
func (r *Runner) Read(ctx context.Context, fn func(*DeterministicCore)) error {
	req := readRequest{fn: fn, done: make(chan struct{})}
	select {
	case r.reads <- req:
	case <-r.done:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-r.done:
		return ErrRunnerStopped
	}
}
