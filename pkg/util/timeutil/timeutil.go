// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package timeutil wraps the clock so that components waiting on time can be
// driven by a manual source in tests.
package timeutil

import (
	"time"

	"github.com/cockroachdb/backfill/pkg/util/syncutil"
)

// Now returns the current UTC time.
func Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// TimeSource is used to interact with clocks and timers. Generally exposed for
// testing.
type TimeSource interface {
	Now() time.Time
	NewTimer() TimerI
}

// DefaultTimeSource is a TimeSource using the system clock.
type DefaultTimeSource struct{}

var _ TimeSource = DefaultTimeSource{}

// Now returns timeutil.Now().
func (DefaultTimeSource) Now() time.Time {
	return Now()
}

// NewTimer returns a TimerI wrapping a pooled Timer.
func (DefaultTimeSource) NewTimer() TimerI {
	return (&Timer{}).AsTimerI()
}

// ManualTime is a TimeSource whose clock only moves when Advance is called.
// Timers created from it fire once the clock reaches their deadline.
type ManualTime struct {
	mu struct {
		syncutil.Mutex
		now    time.Time
		timers []*manualTimer
	}
}

var _ TimeSource = (*ManualTime)(nil)

// NewManualTime constructs a ManualTime starting at initialTime.
func NewManualTime(initialTime time.Time) *ManualTime {
	m := &ManualTime{}
	m.mu.now = initialTime
	return m
}

// Now implements TimeSource.
func (m *ManualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.now
}

// NewTimer implements TimeSource.
func (m *ManualTime) NewTimer() TimerI {
	return &manualTimer{m: m, c: make(chan time.Time, 1)}
}

// Advance moves the clock forward by d and fires all timers whose deadline
// has been reached.
func (m *ManualTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.now = m.mu.now.Add(d)
	remaining := m.mu.timers[:0]
	for _, t := range m.mu.timers {
		if !t.deadline.After(m.mu.now) {
			select {
			case t.c <- m.mu.now:
			default:
			}
			continue
		}
		remaining = append(remaining, t)
	}
	m.mu.timers = remaining
}

// NumTimers returns the number of armed timers.
func (m *ManualTime) NumTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.timers)
}

func (m *ManualTime) removeLocked(t *manualTimer) bool {
	for i, other := range m.mu.timers {
		if other == t {
			m.mu.timers = append(m.mu.timers[:i], m.mu.timers[i+1:]...)
			return true
		}
	}
	return false
}

type manualTimer struct {
	m        *ManualTime
	c        chan time.Time
	deadline time.Time
}

func (t *manualTimer) Reset(d time.Duration) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.removeLocked(t)
	t.deadline = t.m.mu.now.Add(d)
	if d <= 0 {
		select {
		case t.c <- t.m.mu.now:
		default:
		}
		return
	}
	t.m.mu.timers = append(t.m.mu.timers, t)
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.removeLocked(t)
}

func (t *manualTimer) Ch() <-chan time.Time { return t.c }

func (t *manualTimer) MarkRead() {}
