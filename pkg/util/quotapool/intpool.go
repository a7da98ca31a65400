// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package quotapool

import "context"

// IntPool manages allocating integer units of quota to clients. Its capacity
// is fixed at construction.
type IntPool struct {
	s *semaphore
}

// NewIntPool creates a new IntPool with the given capacity, which may be
// Unlimited.
func NewIntPool(name string, capacity int64, options ...Option) *IntPool {
	return &IntPool{s: newSemaphore(name, capacity, options...)}
}

// Acquire blocks until v units are available and the requests queued ahead
// have been served. If ctx is canceled first, the request is withdrawn and
// an error marked with signal.ErrInterrupted is returned.
func (p *IntPool) Acquire(ctx context.Context, v int64) (*IntAlloc, error) {
	return p.s.acquire(ctx, v)
}

// TryAcquire is like Acquire but returns false instead of queueing.
func (p *IntPool) TryAcquire(v int64) (*IntAlloc, bool) {
	return p.s.tryAcquire(v)
}

// ForceAcquire takes v units immediately, ignoring both the capacity and
// the queue. The pool may go into deficit.
func (p *IntPool) ForceAcquire(v int64) *IntAlloc {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.forceAcquireLocked(v)
	return &IntAlloc{p: p.s, count: v}
}

// Name returns the name of the pool.
func (p *IntPool) Name() string {
	return p.s.name
}

// Capacity returns the configured capacity.
func (p *IntPool) Capacity() int64 {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.mu.capacity
}

// Used returns the number of units currently held.
func (p *IntPool) Used() int64 {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.mu.used
}

// NumWaiters returns the number of queued requests.
func (p *IntPool) NumWaiters() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.mu.waiters.Len()
}

// Close signals to all ongoing and subsequent acquisitions that the pool is
// closed and that an error should be returned. Units held remain valid and
// can still be released.
//
// Safe for concurrent use.
func (p *IntPool) Close(reason string) {
	p.s.close(reason)
}
