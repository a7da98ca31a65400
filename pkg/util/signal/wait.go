// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package signal

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrInterrupted marks errors returned by waits that were abandoned because
// their context was canceled. Use errors.Is(err, ErrInterrupted) to test.
var ErrInterrupted = errors.New("interrupted")

// Interrupted returns the error for a wait abandoned because ctx is done.
// The error is marked with ErrInterrupted and wraps ctx.Err().
func Interrupted(ctx context.Context) error {
	return errors.Mark(errors.Wrap(ctx.Err(), "interrupted"), ErrInterrupted)
}

// IsInterrupted returns whether err is the result of an interrupted wait.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// Waitable is anything exposing a channel closed on completion, such as a
// Signal.
type Waitable interface {
	Done() <-chan struct{}
}

// Subscribable is anything accepting pulse callbacks, such as a Signal.
type Subscribable interface {
	Subscribe(fn func()) *Subscription
}

// WaitInterruptible blocks until w is done or ctx is canceled. If ctx is
// done, including when both are, an interruption error is returned.
func WaitInterruptible(ctx context.Context, w Waitable) error {
	if ctx.Err() != nil {
		return Interrupted(ctx)
	}
	select {
	case <-w.Done():
		if ctx.Err() != nil {
			return Interrupted(ctx)
		}
		return nil
	case <-ctx.Done():
		return Interrupted(ctx)
	}
}

// WaitAny is a Signal which is pulsed as soon as any of its sources is
// pulsed. Close must be called to release the subscriptions on the sources
// when the WaitAny is no longer needed.
type WaitAny struct {
	Signal
	subs []*Subscription
}

// NewWaitAny returns a WaitAny over the given sources. It is pulsed
// immediately if a source is already pulsed.
func NewWaitAny(sources ...Subscribable) *WaitAny {
	w := &WaitAny{subs: make([]*Subscription, 0, len(sources))}
	for _, src := range sources {
		w.subs = append(w.subs, src.Subscribe(func() { w.pulse() }))
	}
	return w
}

// Close unsubscribes from all sources.
func (w *WaitAny) Close() {
	for _, sub := range w.subs {
		sub.Unsubscribe()
	}
	w.subs = nil
}

// WithCancelOnPulse returns a child context which is canceled when s is
// pulsed. The returned function must be called to release resources.
func WithCancelOnPulse(ctx context.Context, s Subscribable) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sub := s.Subscribe(cancel)
	return ctx, func() {
		sub.Unsubscribe()
		cancel()
	}
}
