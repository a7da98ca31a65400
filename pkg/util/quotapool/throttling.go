// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package quotapool

import (
	"context"
	"time"

	"github.com/cockroachdb/backfill/pkg/util/signal"
	"github.com/cockroachdb/backfill/pkg/util/timeutil"
)

// DelayFunc computes how long an acquisition should be held back given the
// usage and capacity of the pool at the time of the request.
type DelayFunc func(used, capacity int64) time.Duration

// HyperbolicDelay returns a DelayFunc which imposes no delay while usage is
// below threshold (a fraction of capacity), and above it grows as
// delayAtHalf * x/(1-x), where x is the position of usage between threshold
// and capacity. The delay at x = 1/2 is delayAtHalf; it is capped at
// 100*delayAtHalf.
func HyperbolicDelay(threshold float64, delayAtHalf time.Duration) DelayFunc {
	return func(used, capacity int64) time.Duration {
		if capacity == Unlimited || capacity == 0 {
			return 0
		}
		f := float64(used) / float64(capacity)
		if f <= threshold {
			return 0
		}
		x := (f - threshold) / (1 - threshold)
		if x >= 1 {
			return 100 * delayAtHalf
		}
		r := x / (1 - x)
		if r > 100 {
			r = 100
		}
		return time.Duration(float64(delayAtHalf) * r)
	}
}

// ThrottlingPool is an IntPool that slows acquisitions down as usage
// approaches capacity. Each Acquire first sleeps for the delay computed by
// the pool's DelayFunc, then acquires as usual; the capacity remains a hard
// limit.
type ThrottlingPool struct {
	IntPool
	delay      DelayFunc
	timeSource timeutil.TimeSource
}

// NewThrottlingPool creates a ThrottlingPool.
func NewThrottlingPool(
	name string, capacity int64, delay DelayFunc, options ...Option,
) *ThrottlingPool {
	p := &ThrottlingPool{
		IntPool: IntPool{s: newSemaphore(name, capacity, options...)},
		delay:   delay,
	}
	p.timeSource = p.s.cfg.timeSource
	return p
}

// Acquire waits for the throttling delay and then acquires v units.
func (p *ThrottlingPool) Acquire(ctx context.Context, v int64) (*IntAlloc, error) {
	if d := p.delay(p.Used(), p.Capacity()); d > 0 {
		t := p.timeSource.NewTimer()
		t.Reset(d)
		select {
		case <-t.Ch():
			t.MarkRead()
			t.Stop()
		case <-ctx.Done():
			t.Stop()
			return nil, signal.Interrupted(ctx)
		}
	}
	return p.IntPool.Acquire(ctx, v)
}
