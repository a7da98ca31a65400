// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package stop provides the Stopper, which tracks the asynchronous tasks of
// a component and shuts them down in an orderly fashion.
package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/backfill/pkg/util/log"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
)

// ErrUnavailable indicates that the server is quiescing and is unable to
// process new work.
var ErrUnavailable = errors.New("stopper is quiescing")

// A Stopper provides control over the lifecycle of goroutines started
// through it via its RunAsyncTask method.
//
// When the Stopper is stopped, the quiescer channel is closed. Tasks must
// observe ShouldQuiesce, or the context handed to them which is canceled on
// quiescence, and return promptly. Stop then waits for all tasks to finish.
type Stopper struct {
	quiescer chan struct{}
	stopped  chan struct{}
	tasks    sync.WaitGroup

	mu struct {
		syncutil.Mutex
		quiescing bool
		numTasks  int
		// qCancels holds the cancel functions of contexts derived through
		// WithCancelOnQuiesce.
		qCancels map[int]context.CancelFunc
		nextID   int
		closers  []func()
	}
}

// NewStopper returns an instance of Stopper.
func NewStopper() *Stopper {
	s := &Stopper{
		quiescer: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.mu.qCancels = map[int]context.CancelFunc{}
	return s
}

// AddCloser adds a function to be run after all tasks have finished.
func (s *Stopper) AddCloser(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.closers = append(s.mu.closers, f)
}

// WithCancelOnQuiesce returns a child context which is canceled when the
// returned cancel function is called or when the Stopper begins to quiesce,
// whichever happens first.
func (s *Stopper) WithCancelOnQuiesce(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		cancel()
		return ctx, func() {}
	}
	id := s.mu.nextID
	s.mu.nextID++
	s.mu.qCancels[id] = cancel
	return ctx, func() {
		cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.mu.qCancels, id)
	}
}

// RunAsyncTask runs function f in a goroutine. It returns an error when the
// Stopper is quiescing, in which case the function is not executed. The
// context passed to f carries a "task" log tag and is canceled on
// quiescence.
func (s *Stopper) RunAsyncTask(
	ctx context.Context, taskName string, f func(context.Context),
) error {
	s.mu.Lock()
	if s.mu.quiescing {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.mu.numTasks++
	s.tasks.Add(1)
	s.mu.Unlock()

	ctx = logtags.AddTag(ctx, "task", taskName)
	ctx, cancel := s.WithCancelOnQuiesce(ctx)
	go func() {
		defer s.runPostlude()
		defer cancel()
		f(ctx)
	}()
	return nil
}

// RunTask runs f synchronously, unless the Stopper is quiescing.
func (s *Stopper) RunTask(ctx context.Context, taskName string, f func(context.Context)) error {
	s.mu.Lock()
	if s.mu.quiescing {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.mu.numTasks++
	s.tasks.Add(1)
	s.mu.Unlock()
	defer s.runPostlude()
	f(logtags.AddTag(ctx, "task", taskName))
	return nil
}

func (s *Stopper) runPostlude() {
	s.mu.Lock()
	s.mu.numTasks--
	s.mu.Unlock()
	s.tasks.Done()
}

// NumTasks returns the number of active tasks.
func (s *Stopper) NumTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.numTasks
}

// ShouldQuiesce returns a channel which will be closed when Stop() has been
// invoked and outstanding tasks should begin to quiesce.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	return s.quiescer
}

// IsStopped returns a channel which will be closed after Stop() has been
// invoked to full completion.
func (s *Stopper) IsStopped() <-chan struct{} {
	return s.stopped
}

// Quiesce moves the Stopper to the quiescing state, cancels the contexts
// handed out by it and waits for all running tasks to complete. Calling it
// more than once is allowed.
func (s *Stopper) Quiesce(ctx context.Context) {
	s.mu.Lock()
	if !s.mu.quiescing {
		s.mu.quiescing = true
		close(s.quiescer)
		for _, cancel := range s.mu.qCancels {
			cancel()
		}
		s.mu.qCancels = map[int]context.CancelFunc{}
	}
	s.mu.Unlock()
	s.tasks.Wait()
}

// Stop signals all live workers to stop and then waits for each to
// confirm it has stopped. Closers run afterwards, in reverse order of
// registration. Stop is idempotent.
func (s *Stopper) Stop(ctx context.Context) {
	s.Quiesce(ctx)
	s.mu.Lock()
	closers := s.mu.closers
	s.mu.closers = nil
	s.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	select {
	case <-s.stopped:
	default:
		log.VEventf(ctx, 2, "stopper stopped")
		close(s.stopped)
	}
}
