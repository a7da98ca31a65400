// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package mintimestamp blocks operations until a monotonic timestamp has
// reached the value they require.
package mintimestamp

import (
	"container/heap"
	"context"

	"github.com/cockroachdb/backfill/pkg/util/signal"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
)

// Enforcer tracks a timestamp which only moves forward and releases waiters
// once it reaches the timestamp they wait for. Waiters are kept in a heap
// ordered by required timestamp, then arrival, and each element maintains
// its heap index so that an interrupted waiter can be removed in O(log n).
// All methods do internal locking.
type Enforcer struct {
	mu struct {
		syncutil.Mutex
		current uint64
		waiters waiterHeap
		seq     uint64
	}
}

// NewEnforcer returns an Enforcer starting at the given timestamp.
func NewEnforcer(initial uint64) *Enforcer {
	e := &Enforcer{}
	e.mu.current = initial
	return e
}

type waiter struct {
	ts  uint64
	seq uint64
	// This waiter's index in the heap; -1 once removed.
	index    int
	released signal.Cond
}

type waiterHeap []*waiter

var _ heap.Interface = &waiterHeap{}

// Less is part of heap.Interface.
func (h waiterHeap) Less(i, j int) bool {
	if h[i].ts != h[j].ts {
		return h[i].ts < h[j].ts
	}
	return h[i].seq < h[j].seq
}

// Swap is part of heap.Interface.
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push is part of heap.Interface.
func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

// Pop is part of heap.Interface.
func (h *waiterHeap) Pop() interface{} {
	old := *h
	w := old[len(old)-1]
	old[len(old)-1] = nil
	w.index = -1
	*h = old[:len(old)-1]
	return w
}

// Len is part of heap.Interface.
func (h waiterHeap) Len() int {
	return len(h)
}

// Current returns the current timestamp.
func (e *Enforcer) Current() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mu.current
}

// Bump advances the timestamp to ts and releases, in increasing timestamp
// order, every waiter whose requirement is now met. Moving the timestamp
// backwards is a programming error; bumping to the current value is a no-op.
func (e *Enforcer) Bump(ts uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts < e.mu.current {
		panic(errors.AssertionFailedf("timestamp moved backwards from %d to %d", e.mu.current, ts))
	}
	e.mu.current = ts
	for e.mu.waiters.Len() > 0 && e.mu.waiters[0].ts <= ts {
		w := heap.Pop(&e.mu.waiters).(*waiter)
		w.released.Pulse()
	}
}

// Wait blocks until the timestamp is at least minTS. If ctx is canceled
// first, the waiter is removed and an interruption error is returned.
func (e *Enforcer) Wait(ctx context.Context, minTS uint64) error {
	e.mu.Lock()
	if minTS <= e.mu.current {
		e.mu.Unlock()
		return nil
	}
	w := &waiter{ts: minTS, seq: e.mu.seq}
	e.mu.seq++
	heap.Push(&e.mu.waiters, w)
	e.mu.Unlock()

	if err := signal.WaitInterruptible(ctx, &w.released); err != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if w.index != -1 {
			heap.Remove(&e.mu.waiters, w.index)
		}
		return err
	}
	return nil
}

// NumWaiters returns the number of blocked waiters.
func (e *Enforcer) NumWaiters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mu.waiters.Len()
}
