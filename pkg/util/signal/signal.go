// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package signal provides one-shot notification cells. A Signal starts out
// unpulsed and transitions to pulsed exactly once; that transition can be
// observed through a channel (Done), through callbacks (Subscribe), or by
// waiting on it together with a context (WaitInterruptible).
package signal

import (
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/petermattis/goid"
)

// closedCh is handed out by Done() when the channel is first requested after
// the pulse.
var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Signal is a boolean cell which can be pulsed once. Only the owner of a
// Signal can pulse it: see Cond for a Signal whose owner exposes Pulse.
//
// The zero value is an unpulsed Signal ready for use.
type Signal struct {
	mu struct {
		syncutil.Mutex
		pulsed bool
		// pulsedBy is the goroutine that pulsed the signal.
		pulsedBy int64
		// done is created lazily.
		done chan struct{}
		subs []*Subscription
		// numUnsubscribed counts nil-ed out entries in subs.
		numUnsubscribed int
	}
}

// Subscription is a registered callback on a Signal.
type Subscription struct {
	s  *Signal
	fn func()
	// fired is set, under s.mu, once the callback was claimed by a pulse.
	fired bool
	idx   int
}

// IsPulsed returns whether the signal was pulsed.
func (s *Signal) IsPulsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.pulsed
}

// Done returns a channel which is closed when the signal is pulsed.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.done == nil {
		if s.mu.pulsed {
			s.mu.done = closedCh
		} else {
			s.mu.done = make(chan struct{})
		}
	}
	return s.mu.done
}

// Subscribe registers fn to be called exactly once when the signal is
// pulsed. If the signal is already pulsed, fn runs synchronously before
// Subscribe returns. Callbacks run on the pulsing goroutine, without any
// lock held, in subscription order.
func (s *Signal) Subscribe(fn func()) *Subscription {
	s.mu.Lock()
	if s.mu.pulsed {
		s.mu.Unlock()
		fn()
		return &Subscription{fired: true}
	}
	sub := &Subscription{s: s, fn: fn, idx: len(s.mu.subs)}
	s.mu.subs = append(s.mu.subs, sub)
	s.mu.Unlock()
	return sub
}

// Unsubscribe removes the callback. It returns true if the callback was
// removed before being claimed by a pulse, in which case it will never run.
// Unsubscribing an already-fired subscription is a no-op returning false.
func (sub *Subscription) Unsubscribe() bool {
	if sub.s == nil {
		return false
	}
	s := sub.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.fired || sub.fn == nil {
		return false
	}
	sub.fn = nil
	s.mu.subs[sub.idx] = nil
	s.mu.numUnsubscribed++
	if s.mu.numUnsubscribed > 16 && s.mu.numUnsubscribed > len(s.mu.subs)/2 {
		s.compactLocked()
	}
	return true
}

func (s *Signal) compactLocked() {
	live := s.mu.subs[:0]
	for _, sub := range s.mu.subs {
		if sub != nil {
			sub.idx = len(live)
			live = append(live, sub)
		}
	}
	for i := len(live); i < len(s.mu.subs); i++ {
		s.mu.subs[i] = nil
	}
	s.mu.subs = live
	s.mu.numUnsubscribed = 0
}

// pulse transitions the signal and runs its subscribers. It returns false if
// the signal had already been pulsed.
func (s *Signal) pulse() bool {
	s.mu.Lock()
	if s.mu.pulsed {
		s.mu.Unlock()
		return false
	}
	s.mu.pulsed = true
	s.mu.pulsedBy = goid.Get()
	if s.mu.done != nil {
		close(s.mu.done)
	} else {
		s.mu.done = closedCh
	}
	subs := s.mu.subs
	s.mu.subs = nil
	var fns []func()
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		sub.fired = true
		fns = append(fns, sub.fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}

func (s *Signal) pulser() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.pulsedBy
}
