// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package quotapool

import (
	"container/list"
	"context"

	"github.com/cockroachdb/backfill/pkg/util/signal"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
)

// ValuePool hands out up to capacity values of type T to goroutines. Values
// are constructed on demand, at most capacity of them over the pool's
// lifetime, and reused after they are released. Requests are served in
// arrival order.
type ValuePool[T any] struct {
	name     string
	newValue func() T

	mu struct {
		syncutil.Mutex
		capacity int
		created  int
		free     []T
		// waiters holds *valueWaiter[T] in arrival order.
		waiters list.List
	}
}

type valueWaiter[T any] struct {
	// ch has room for exactly one value so that Release never blocks.
	ch   chan T
	elem *list.Element
}

// NewValuePool creates a ValuePool of the given capacity.
func NewValuePool[T any](name string, capacity int, newValue func() T) *ValuePool[T] {
	if capacity <= 0 {
		panic(errors.AssertionFailedf("invalid capacity %d for pool %s", capacity, name))
	}
	p := &ValuePool[T]{name: name, newValue: newValue}
	p.mu.capacity = capacity
	p.mu.waiters.Init()
	return p
}

// Acquire returns a value from the pool, blocking until one is free.
// If ctx is canceled first, the request is withdrawn; if a value was handed
// over concurrently with the cancellation, it is put back into the pool.
func (p *ValuePool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	p.mu.Lock()
	if p.mu.waiters.Len() == 0 {
		if n := len(p.mu.free); n > 0 {
			v := p.mu.free[n-1]
			p.mu.free = p.mu.free[:n-1]
			p.mu.Unlock()
			return v, nil
		}
		if p.mu.created < p.mu.capacity {
			p.mu.created++
			p.mu.Unlock()
			return p.newValue(), nil
		}
	}
	w := &valueWaiter[T]{ch: make(chan T, 1)}
	w.elem = p.mu.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case v := <-w.ch:
		if ctx.Err() != nil {
			p.Release(v)
			return zero, signal.Interrupted(ctx)
		}
		return v, nil
	case <-ctx.Done():
		p.mu.Lock()
		if w.elem != nil {
			p.mu.waiters.Remove(w.elem)
			w.elem = nil
			p.mu.Unlock()
			return zero, signal.Interrupted(ctx)
		}
		p.mu.Unlock()
		// The value was handed over; return it rather than lose it.
		p.Release(<-w.ch)
		return zero, signal.Interrupted(ctx)
	}
}

// Release returns v to the pool, handing it directly to the longest waiting
// request if there is one.
func (p *ValuePool[T]) Release(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.mu.waiters.Front(); e != nil {
		w := e.Value.(*valueWaiter[T])
		p.mu.waiters.Remove(e)
		w.elem = nil
		w.ch <- v
		return
	}
	p.mu.free = append(p.mu.free, v)
}

// NumCreated returns the number of values constructed so far.
func (p *ValuePool[T]) NumCreated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.created
}

// NumFree returns the number of constructed values not handed out.
func (p *ValuePool[T]) NumFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mu.free)
}

// NumWaiters returns the number of queued requests.
func (p *ValuePool[T]) NumWaiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.waiters.Len()
}
