// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package executor provides executors that control how servant dispatches
// are scheduled.
//
// A Serial executor runs all its work on a single goroutine in the order it
// was submitted. Installing one on an object adapter serializes every
// dispatch, which is useful for servants that are not safe for concurrent
// use, or for tests that need a deterministic order.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// ErrClosed is reported for work submitted to a closed executor.
var ErrClosed = errors.New("executor is closed")

// Serial is an executor that runs functions one at a time on a single
// goroutine. Use NewSerial to construct one.
type Serial struct {
	wake chan struct{} // buffered, signals queued work or close
	run  *taskgroup.Single[error]

	μ      sync.Mutex
	q      *queue.Queue[*item]
	closed bool
}

type item struct {
	ctx   context.Context
	f     func(context.Context)
	done  chan struct{} // closed when f returns, or nil
	state atomic.Int32  // itemQueued, itemRunning, or itemAbandoned
}

const (
	itemQueued = iota
	itemRunning
	itemAbandoned
)

type serialKey struct{}

// NewSerial starts a new serial executor. The caller must call Close when
// the executor is no longer needed.
func NewSerial() *Serial {
	s := &Serial{
		wake: make(chan struct{}, 1),
		q:    queue.New[*item](),
	}
	s.run = taskgroup.Go(s.loop)
	return s
}

func (s *Serial) loop() error {
	for {
		s.μ.Lock()
		it, ok := s.q.Pop()
		closed := s.closed
		s.μ.Unlock()

		if !ok {
			if closed {
				return nil
			}
			<-s.wake
			continue
		}
		// An item whose caller gave up before it started is skipped.
		if it.ctx.Err() == nil && it.state.CompareAndSwap(itemQueued, itemRunning) {
			it.f(context.WithValue(it.ctx, serialKey{}, s))
		}
		if it.done != nil {
			close(it.done)
		}
	}
}

func (s *Serial) push(it *item) error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.q.Add(it)
	s.signal()
	return nil
}

func (s *Serial) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run queues f to run on the executor goroutine and blocks until it has
// returned. If ctx ends before f begins, f is not run and Run reports the
// error from ctx. Once f has begun, Run waits for it to return regardless
// of ctx. The context passed to f is derived from ctx.
func (s *Serial) Run(ctx context.Context, f func(context.Context)) error {
	it := &item{ctx: ctx, f: f, done: make(chan struct{})}
	if err := s.push(it); err != nil {
		return err
	}
	select {
	case <-it.done:
		return nil
	case <-ctx.Done():
		if it.state.CompareAndSwap(itemQueued, itemAbandoned) {
			return ctx.Err()
		}
		<-it.done
		return nil
	}
}

// Go queues f to run on the executor goroutine and returns without waiting.
func (s *Serial) Go(f func(context.Context)) error {
	return s.push(&item{ctx: context.Background(), f: f})
}

// Close stops accepting new work, waits for queued work to finish, and stops
// the executor goroutine. It is safe to call Close more than once.
func (s *Serial) Close() error {
	s.μ.Lock()
	s.closed = true
	s.signal()
	s.μ.Unlock()
	return s.run.Wait()
}

// IsDispatchThread reports whether ctx is the context of a function running
// on a serial executor.
func IsDispatchThread(ctx context.Context) bool {
	_, ok := ctx.Value(serialKey{}).(*Serial)
	return ok
}
