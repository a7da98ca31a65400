// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package timeutil

import (
	"sync"
	"time"
)

var timeTimerPool sync.Pool

// TimerI is the interface shared by Timer and the timers of a ManualTime.
type TimerI interface {
	// Reset arms the timer to fire after d.
	Reset(d time.Duration)
	// Stop disarms the timer.
	Stop() bool
	// Ch returns the channel the expiration is delivered on.
	Ch() <-chan time.Time
	// MarkRead must be called after receiving from Ch.
	MarkRead()
}

// Timer wraps a time.Timer taken from a pool of stopped timers. The zero
// value is ready to use; it does not count down until Reset is called.
type Timer struct {
	timer *time.Timer
	// C is nil until the first Reset.
	C    <-chan time.Time
	Read bool
}

// AsTimerI returns the Timer as a TimerI.
func (t *Timer) AsTimerI() TimerI {
	return (*timer)(t)
}

// Reset changes the timer to expire after duration d.
func (t *Timer) Reset(d time.Duration) {
	if t.timer == nil {
		if pooled, ok := timeTimerPool.Get().(*time.Timer); ok {
			t.timer = pooled
			t.timer.Reset(d)
		} else {
			t.timer = time.NewTimer(d)
		}
		t.C = t.timer.C
		return
	}
	if !t.timer.Stop() && !t.Read {
		select {
		case <-t.C:
		default:
		}
	}
	t.Read = false
	t.timer.Reset(d)
}

// Stop prevents the Timer from firing and returns its time.Timer to the pool.
// The Timer may be reused after Stop.
func (t *Timer) Stop() bool {
	var res bool
	if t.timer != nil {
		res = t.timer.Stop()
		if res || t.Read {
			timeTimerPool.Put(t.timer)
		}
	}
	*t = Timer{}
	return res
}

type timer Timer

func (t *timer) Reset(d time.Duration) { (*Timer)(t).Reset(d) }
func (t *timer) Stop() bool            { return (*Timer)(t).Stop() }
func (t *timer) Ch() <-chan time.Time  { return t.C }
func (t *timer) MarkRead()             { t.Read = true }
