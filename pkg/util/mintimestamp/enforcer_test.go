// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package mintimestamp

import (
	"container/heap"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/cockroachdb/backfill/pkg/util/ctxgroup"
	"github.com/cockroachdb/backfill/pkg/util/leaktest"
	"github.com/cockroachdb/backfill/pkg/util/log"
	"github.com/cockroachdb/backfill/pkg/util/signal"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestEnforcerImmediate(t *testing.T) {
	e := NewEnforcer(5)
	require.NoError(t, e.Wait(context.Background(), 3))
	require.NoError(t, e.Wait(context.Background(), 5))
	require.Equal(t, 0, e.NumWaiters())
	e.Bump(5)
	require.Panics(t, func() { e.Bump(4) })
}

// TestNeverEarly starts waiters at random timestamps and bumps the clock in
// random steps, checking that every waiter observes a timestamp at least as
// large as the one it waited for and is released within the bump that
// reaches it.
func TestNeverEarly(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	const numWaiters = 100
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	e := NewEnforcer(0)

	var mu syncutil.Mutex
	var released []uint64
	g := ctxgroup.WithContext(context.Background())
	for i := 0; i < numWaiters; i++ {
		ts := uint64(rng.Intn(1000) + 1)
		g.GoCtx(func(ctx context.Context) error {
			if err := e.Wait(ctx, ts); err != nil {
				return err
			}
			if cur := e.Current(); cur < ts {
				return errors.Newf("released at %d while waiting for %d", cur, ts)
			}
			mu.Lock()
			released = append(released, ts)
			mu.Unlock()
			return nil
		})
	}
	require.Eventually(t, func() bool { return e.NumWaiters() == numWaiters }, 10*time.Second, time.Millisecond)

	var cur uint64
	for cur < 1000 {
		cur += uint64(rng.Intn(50) + 1)
		e.Bump(cur)
		// Everything at or below cur was popped by this very bump.
		e.mu.Lock()
		for _, w := range e.mu.waiters {
			require.Greater(t, w.ts, cur)
		}
		e.mu.Unlock()
	}
	require.NoError(t, g.Wait())
	require.Len(t, released, numWaiters)
}

func TestBumpReleasesInOrder(t *testing.T) {
	defer leaktest.AfterTest(t)()

	e := NewEnforcer(0)
	var order []uint64
	var ws []*waiter
	e.mu.Lock()
	for _, ts := range []uint64{7, 3, 9, 3, 5} {
		w := &waiter{ts: ts, seq: e.mu.seq}
		e.mu.seq++
		ws = append(ws, w)
		heap.Push(&e.mu.waiters, w)
	}
	e.mu.Unlock()
	for _, w := range ws {
		w := w
		w.released.Subscribe(func() { order = append(order, w.ts) })
	}
	e.Bump(8)
	require.Equal(t, []uint64{3, 3, 5, 7}, order)
	require.Equal(t, 1, e.NumWaiters())
	e.Bump(9)
	require.Equal(t, []uint64{3, 3, 5, 7, 9}, order)
}

func TestInterruptedWaiterRemoved(t *testing.T) {
	defer leaktest.AfterTest(t)()

	e := NewEnforcer(0)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 3)
	for _, ts := range []uint64{10, 20, 30} {
		ts := ts
		wctx := context.Background()
		if ts == 20 {
			wctx = ctx
		}
		go func() { errs <- e.Wait(wctx, ts) }()
	}
	require.Eventually(t, func() bool { return e.NumWaiters() == 3 }, 5*time.Second, time.Millisecond)
	cancel()
	require.True(t, signal.IsInterrupted(<-errs))
	require.Equal(t, 2, e.NumWaiters())
	e.mu.Lock()
	var remaining []uint64
	for _, w := range e.mu.waiters {
		remaining = append(remaining, w.ts)
	}
	e.mu.Unlock()
	require.ElementsMatch(t, []uint64{10, 30}, remaining)

	e.Bump(30)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}
