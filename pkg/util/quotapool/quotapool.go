// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package quotapool provides counting semaphores with FIFO admission and
// interruptible acquisition, plus a pool of typed values with the same
// discipline.
//
// Waiters are admitted strictly in arrival order: a request that does not
// fit blocks every request queued behind it, even smaller ones that would
// fit. A request larger than the capacity is admitted once nothing else is
// held, so it can never wait forever.
package quotapool

import (
	"container/list"
	"context"
	"time"

	"github.com/cockroachdb/backfill/pkg/util/humanizeutil"
	"github.com/cockroachdb/backfill/pkg/util/signal"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Unlimited is the capacity of a pool which never blocks.
const Unlimited int64 = -1

// ErrClosed is returned from Acquire after Close has been called.
var ErrClosed = errors.New("quota pool closed")

// semaphore is the admission core shared by IntPool and AdjustablePool.
type semaphore struct {
	name string
	cfg  config

	mu struct {
		syncutil.Mutex
		capacity int64
		used     int64
		// waiters holds *waiter in arrival order.
		waiters list.List
		closed  bool
		// closeErr is returned to waiters and later acquisitions.
		closeErr error

		// trickleFraction is the share of every unit released while over
		// capacity which is credited to trickle. Zero disables trickling.
		trickleFraction float64
		// trickle is credit which admits waiters while usage is above
		// capacity.
		trickle float64
	}
}

type waiter struct {
	want    int64
	granted signal.Cond
	elem    *list.Element
	// err is set before granted is pulsed if the pool was closed.
	err error
}

func newSemaphore(name string, capacity int64, options ...Option) *semaphore {
	if capacity < 0 && capacity != Unlimited {
		panic(errors.AssertionFailedf("invalid capacity %d for pool %s", capacity, name))
	}
	s := &semaphore{name: name}
	initializeConfig(&s.cfg, options...)
	s.mu.capacity = capacity
	s.mu.waiters.Init()
	return s
}

// admissibleLocked returns whether a request for want units may be granted
// now, ignoring queue order.
func (s *semaphore) admissibleLocked(want int64) bool {
	return s.fitsLocked(want) || s.mu.trickle >= float64(want)
}

func (s *semaphore) fitsLocked(want int64) bool {
	return s.mu.capacity == Unlimited || s.mu.used == 0 || s.mu.used+want <= s.mu.capacity
}

func (s *semaphore) chargeLocked(want int64) {
	if !s.fitsLocked(want) {
		s.mu.trickle -= float64(want)
	}
	s.mu.used += want
}

// acquire blocks until want units are granted, ctx is canceled, or the pool
// is closed.
func (s *semaphore) acquire(ctx context.Context, want int64) (*IntAlloc, error) {
	if want < 0 {
		panic(errors.AssertionFailedf("cannot acquire negative quota %d from %s", want, s.name))
	}
	start := s.cfg.timeSource.Now()
	s.mu.Lock()
	if s.mu.closed {
		err := s.mu.closeErr
		s.mu.Unlock()
		return nil, err
	}
	if s.mu.waiters.Len() == 0 && s.admissibleLocked(want) {
		s.chargeLocked(want)
		s.mu.Unlock()
		if s.cfg.onAcquisition != nil {
			s.cfg.onAcquisition(ctx, s.name, want, start)
		}
		return &IntAlloc{p: s, count: want}, nil
	}
	w := &waiter{want: want}
	w.elem = s.mu.waiters.PushBack(w)
	s.mu.Unlock()

	if err := s.wait(ctx, w, start); err != nil {
		return nil, err
	}
	if s.cfg.onAcquisition != nil {
		s.cfg.onAcquisition(ctx, s.name, want, start)
	}
	return &IntAlloc{p: s, count: want}, nil
}

func (s *semaphore) wait(ctx context.Context, w *waiter, start time.Time) (err error) {
	if s.cfg.onSlowAcquisition != nil {
		t := s.cfg.timeSource.NewTimer()
		t.Reset(s.cfg.slowAcquisitionThreshold)
		defer t.Stop()
		select {
		case <-t.Ch():
			t.MarkRead()
			onAcquire := s.cfg.onSlowAcquisition(ctx, s.name, w.want, start)
			defer func() {
				if err == nil {
					onAcquire()
				}
			}()
		case <-w.granted.Done():
			return s.afterGrant(ctx, w)
		case <-ctx.Done():
			return s.abandon(ctx, w)
		}
	}
	select {
	case <-w.granted.Done():
		return s.afterGrant(ctx, w)
	case <-ctx.Done():
		return s.abandon(ctx, w)
	}
}

// afterGrant handles a pulsed waiter. Interruption takes precedence over a
// concurrent grant, in which case the units are given back.
func (s *semaphore) afterGrant(ctx context.Context, w *waiter) error {
	if w.err != nil {
		return w.err
	}
	if ctx.Err() != nil {
		s.release(w.want)
		return signal.Interrupted(ctx)
	}
	return nil
}

// abandon withdraws an interrupted waiter. The queue is left exactly as if
// the request had never been made; if the grant raced with the
// interruption, the granted units are released.
func (s *semaphore) abandon(ctx context.Context, w *waiter) error {
	s.mu.Lock()
	if w.granted.IsPulsed() {
		s.mu.Unlock()
		if w.err != nil {
			return w.err
		}
		s.release(w.want)
		return signal.Interrupted(ctx)
	}
	wasHead := s.mu.waiters.Front() == w.elem
	s.mu.waiters.Remove(w.elem)
	if wasHead {
		// The next waiter may fit where this one did not.
		s.pumpLocked()
	}
	s.mu.Unlock()
	return signal.Interrupted(ctx)
}

// pumpLocked grants waiters from the head of the queue for as long as they
// are admissible. It stops at the first one that is not.
func (s *semaphore) pumpLocked() {
	for e := s.mu.waiters.Front(); e != nil; e = s.mu.waiters.Front() {
		w := e.Value.(*waiter)
		if !s.admissibleLocked(w.want) {
			return
		}
		s.mu.waiters.Remove(e)
		s.chargeLocked(w.want)
		w.granted.Pulse()
	}
}

func (s *semaphore) tryAcquire(want int64) (*IntAlloc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.closed || s.mu.waiters.Len() > 0 || !s.admissibleLocked(want) {
		return nil, false
	}
	s.chargeLocked(want)
	return &IntAlloc{p: s, count: want}, true
}

func (s *semaphore) forceAcquireLocked(n int64) {
	s.mu.used += n
}

func (s *semaphore) release(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(n)
}

func (s *semaphore) releaseLocked(n int64) {
	if n == 0 {
		return
	}
	s.mu.used -= n
	if s.mu.used < 0 {
		panic(errors.AssertionFailedf("pool %s released more than acquired (used=%d)", s.name, s.mu.used))
	}
	if s.mu.trickleFraction > 0 {
		if s.mu.capacity != Unlimited && s.mu.used > s.mu.capacity {
			s.mu.trickle += s.mu.trickleFraction * float64(n)
		} else {
			s.mu.trickle = 0
		}
	}
	s.pumpLocked()
}

func (s *semaphore) close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.closed {
		return
	}
	s.mu.closed = true
	s.mu.closeErr = errors.Mark(
		errors.Newf("%s pool closed: %s", redact.Safe(s.name), reason), ErrClosed)
	for e := s.mu.waiters.Front(); e != nil; e = s.mu.waiters.Front() {
		w := e.Value.(*waiter)
		s.mu.waiters.Remove(e)
		w.err = s.mu.closeErr
		w.granted.Pulse()
	}
}

// IntAlloc is an acquisition of units from an IntPool. The units are held
// until Release is called; IntAlloc is not released implicitly.
//
// IntAlloc methods are safe for concurrent use and are serialized by the
// pool they belong to.
type IntAlloc struct {
	p *semaphore
	// count is protected by p.mu.
	count int64
}

// Count returns the number of units held.
func (a *IntAlloc) Count() int64 {
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	return a.count
}

// Release returns all held units to the pool. Releasing an IntAlloc twice,
// or an empty one, is a no-op.
func (a *IntAlloc) Release() {
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	n := a.count
	a.count = 0
	a.p.releaseLocked(n)
}

// ChangeCount resizes the acquisition to n units. Shrinking releases the
// difference to the pool. Growing takes the difference without waiting,
// which may push the pool over its capacity.
func (a *IntAlloc) ChangeCount(n int64) {
	if n < 0 {
		panic(errors.AssertionFailedf("negative count %d", n))
	}
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	delta := n - a.count
	a.count = n
	if delta < 0 {
		a.p.releaseLocked(-delta)
	} else {
		a.p.forceAcquireLocked(delta)
	}
}

// TransferIn moves all units held by other into a. Both must come from the
// same pool; other is left empty.
func (a *IntAlloc) TransferIn(other *IntAlloc) {
	if a.p != other.p {
		panic(errors.AssertionFailedf("cannot transfer units between pools %s and %s",
			redact.Safe(a.p.name), redact.Safe(other.p.name)))
	}
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	a.count += other.count
	other.count = 0
}

// String formats the acquisition as a byte size, which is what most pools
// in this module count.
func (a *IntAlloc) String() string {
	return humanizeutil.IBytes(a.Count())
}
