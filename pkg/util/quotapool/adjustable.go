// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package quotapool

import "github.com/cockroachdb/errors"

// AdjustablePool is an IntPool whose capacity can change at runtime.
//
// Shrinking the capacity below the current usage does not revoke units.
// Instead, while usage stays above capacity, a fraction of every released
// unit is credited as trickle, and queued requests are admitted once the
// accumulated trickle covers them. Usage thus converges to the new capacity
// without freezing admission until enough units drain on their own.
type AdjustablePool struct {
	IntPool
}

// NewAdjustablePool creates an AdjustablePool. trickleFraction must be in
// [0, 1]; zero disables trickling.
func NewAdjustablePool(
	name string, capacity int64, trickleFraction float64, options ...Option,
) *AdjustablePool {
	if trickleFraction < 0 || trickleFraction > 1 {
		panic(errors.AssertionFailedf("invalid trickle fraction %v", trickleFraction))
	}
	p := &AdjustablePool{IntPool{s: newSemaphore(name, capacity, options...)}}
	p.s.mu.trickleFraction = trickleFraction
	return p
}

// SetCapacity changes the capacity and admits any waiters which now fit.
func (p *AdjustablePool) SetCapacity(capacity int64) {
	if capacity < 0 && capacity != Unlimited {
		panic(errors.AssertionFailedf("invalid capacity %d", capacity))
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.mu.capacity = capacity
	if capacity == Unlimited || p.s.mu.used <= capacity {
		p.s.mu.trickle = 0
	}
	p.s.pumpLocked()
}

// Trickle returns the accumulated trickle credit.
func (p *AdjustablePool) Trickle() float64 {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.mu.trickle
}
