// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package backfill

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/rpc/mailbox"
	"github.com/cockroachdb/backfill/pkg/storage"
	"github.com/cockroachdb/backfill/pkg/util/leaktest"
	"github.com/cockroachdb/backfill/pkg/util/log"
	"github.com/cockroachdb/backfill/pkg/util/signal"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestBackfillFromScratch(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, nil)
	defer env.Close()
	env.cfg.ItemChunkSize = 2 << 10
	env.cfg.ItemPipelineSize = 8 << 10

	donor := env.newStore(t)
	defer func() { require.NoError(t, donor.Close()) }()
	recipient := env.newStore(t)
	defer func() { require.NoError(t, recipient.Close()) }()
	fill(t, donor, 0, 1000, "donor")

	backfiller := env.newBackfiller(t, donor)
	defer backfiller.Close()
	backfillee := env.newBackfillee(t, recipient, backfiller, nil)
	require.Equal(t, 1, backfiller.NumPeers())

	var progress progressRecorder
	threshold, err := backfillee.Go(ctx, testRegion.LeftBound(), &progress)
	require.NoError(t, err)
	require.True(t, threshold.Equal(testRegion.Right), "threshold %s", threshold)
	progress.requireContiguous(t, testRegion.LeftBound(), testRegion.Right)
	requireSameData(t, donor, recipient)

	// The recipient now shares the donor's versions.
	donorMeta, err := donor.GetMetainfo(ctx, donor.NewReadToken(), testRegion)
	require.NoError(t, err)
	recipientMeta, err := recipient.GetMetainfo(ctx, recipient.NewReadToken(), testRegion)
	require.NoError(t, err)
	require.Equal(t, donorMeta.Entries(), recipientMeta.Entries())

	backfillee.Close(ctx)
	require.Eventually(t, func() bool { return backfiller.NumPeers() == 0 }, 10*time.Second, time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SessionsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SessionsCompleted))
	require.Equal(t, 0.0, testutil.ToFloat64(env.metrics.SessionsAborted))
	require.Equal(t, 1000.0, testutil.ToFloat64(env.metrics.ItemsApplied))
	require.Greater(t, testutil.ToFloat64(env.metrics.ItemChunksSent), 1.0)
	require.Equal(t, 0.0, testutil.ToFloat64(env.metrics.ItemBytesOutstanding))
	require.Equal(t, 0.0, testutil.ToFloat64(env.metrics.PreItemBytesOutstanding))
}

// An interrupted session leaves the backfillee broken; a new backfillee
// resumes from the threshold the interrupted one reached.
func TestBackfillInterruptAndResume(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	env := newTestEnv(t, nil)
	defer env.Close()
	env.cfg.ItemChunkSize = 1 << 10
	env.cfg.ItemPipelineSize = 4 << 10

	donor := env.newStore(t)
	defer func() { require.NoError(t, donor.Close()) }()
	recipient := env.newStore(t)
	defer func() { require.NoError(t, recipient.Close()) }()
	fill(t, donor, 0, 1000, "donor")

	backfiller := env.newBackfiller(t, donor)
	defer backfiller.Close()
	first := env.newBackfillee(t, recipient, backfiller, nil)

	stopAt := keys.MakeRightBound(numberedKey(400))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	threshold, err := first.Go(ctx, testRegion.LeftBound(),
		CallbackFunc(func(_ context.Context, m *storage.VersionMap) bool {
			if stopAt.Less(m.Domain().Right) {
				cancel()
			}
			return true
		}))
	require.True(t, signal.IsInterrupted(err), "%+v", err)
	require.True(t, stopAt.Less(threshold), "threshold %s", threshold)

	// Everything before the threshold is durable.
	data := liveData(t, recipient)
	for i := 0; i < 400; i++ {
		require.Equal(t, "donor", data[string(numberedKey(i))])
	}

	again, err := first.Go(context.Background(), threshold, &progressRecorder{})
	require.ErrorIs(t, err, ErrBackfilleeBroken)
	require.True(t, again.Equal(threshold))
	first.Close(context.Background())

	second := env.newBackfillee(t, recipient, backfiller, nil)
	defer second.Close(context.Background())
	var progress progressRecorder
	end, err := second.Go(context.Background(), threshold, &progress)
	require.NoError(t, err)
	require.True(t, end.Equal(testRegion.Right), "threshold %s", end)
	if !threshold.Equal(testRegion.Right) {
		progress.requireContiguous(t, threshold, testRegion.Right)
	}
	requireSameData(t, donor, recipient)

	require.Equal(t, 2.0, testutil.ToFloat64(env.metrics.SessionsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SessionsAborted))
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SessionsCompleted))
}

// Returning false from the callback ends the session cleanly; the same
// backfillee can run another one from where it stopped.
func TestBackfillCallbackStops(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, nil)
	defer env.Close()
	env.cfg.ItemChunkSize = 512
	env.cfg.ItemPipelineSize = 2 << 10

	donor := env.newStore(t)
	defer func() { require.NoError(t, donor.Close()) }()
	recipient := env.newStore(t)
	defer func() { require.NoError(t, recipient.Close()) }()
	fill(t, donor, 0, 500, "donor")

	backfiller := env.newBackfiller(t, donor)
	defer backfiller.Close()
	backfillee := env.newBackfillee(t, recipient, backfiller, nil)
	defer backfillee.Close(ctx)

	pos := testRegion.LeftBound()
	var sessions int
	for !pos.Equal(testRegion.Right) {
		sessions++
		require.Less(t, sessions, 1000)
		progress := progressRecorder{stopAfter: 1}
		next, err := backfillee.Go(ctx, pos, &progress)
		require.NoError(t, err)
		require.True(t, pos.Less(next), "no progress past %s", pos)
		progress.requireContiguous(t, pos, next)
		pos = next
	}
	require.Greater(t, sessions, 1)
	requireSameData(t, donor, recipient)
	require.Equal(t, float64(sessions), testutil.ToFloat64(env.metrics.SessionsCompleted))
	require.Equal(t, 0.0, testutil.ToFloat64(env.metrics.SessionsAborted))
	require.Equal(t, 0.0, testutil.ToFloat64(env.metrics.ItemBytesOutstanding))
}

// Items messages delivered out of order are still applied in order.
func TestBackfillReorderedDelivery(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	var n int64
	env := newTestEnv(t, &mailbox.TestingKnobs{
		DeliveryDelay: func(_ mailbox.Address, msg interface{}) time.Duration {
			if _, ok := msg.(*Items); ok && atomic.AddInt64(&n, 1)%2 == 1 {
				return 5 * time.Millisecond
			}
			return 0
		},
	})
	defer env.Close()
	env.cfg.ItemChunkSize = 1 << 10
	env.cfg.ItemPipelineSize = 8 << 10

	donor := env.newStore(t)
	defer func() { require.NoError(t, donor.Close()) }()
	recipient := env.newStore(t)
	defer func() { require.NoError(t, recipient.Close()) }()
	fill(t, donor, 0, 300, "donor")

	backfiller := env.newBackfiller(t, donor)
	defer backfiller.Close()
	backfillee := env.newBackfillee(t, recipient, backfiller, nil)
	defer backfillee.Close(ctx)

	var progress progressRecorder
	threshold, err := backfillee.Go(ctx, testRegion.LeftBound(), &progress)
	require.NoError(t, err)
	require.True(t, threshold.Equal(testRegion.Right))
	progress.requireContiguous(t, testRegion.LeftBound(), testRegion.Right)
	requireSameData(t, donor, recipient)
	require.Greater(t, atomic.LoadInt64(&n), int64(2))
}

// A recipient that diverged from the donor streams pre-items, never more
// than the pre-item pipeline holds, and ends up with the donor's data.
func TestBackfillDivergedRecipient(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, nil)
	defer env.Close()
	env.cfg.PreItemPipelineSize = 2 << 10
	env.cfg.PreItemChunkSize = 512
	env.cfg.ItemChunkSize = 1 << 10
	env.cfg.ItemPipelineSize = 4 << 10

	donor := env.newStore(t)
	defer func() { require.NoError(t, donor.Close()) }()
	recipient := env.newStore(t)
	defer func() { require.NoError(t, recipient.Close()) }()
	fill(t, donor, 0, 400, "donor")
	// The recipient overwrites some of the donor's keys and has some of its
	// own; all of it is unknown to the donor.
	fill(t, recipient, 200, 400, "recipient")

	var maxOutstanding int64
	knobs := &BackfilleeTestingKnobs{
		AfterPreItemsSent: func(outstanding int64) {
			for {
				prev := atomic.LoadInt64(&maxOutstanding)
				if outstanding <= prev || atomic.CompareAndSwapInt64(&maxOutstanding, prev, outstanding) {
					return
				}
			}
		},
	}
	backfiller := env.newBackfiller(t, donor)
	defer backfiller.Close()
	backfillee := env.newBackfillee(t, recipient, backfiller, knobs)
	defer backfillee.Close(ctx)

	threshold, err := backfillee.Go(ctx, testRegion.LeftBound(), &progressRecorder{})
	require.NoError(t, err)
	require.True(t, threshold.Equal(testRegion.Right))
	requireSameData(t, donor, recipient)

	require.Greater(t, atomic.LoadInt64(&maxOutstanding), int64(0))
	require.LessOrEqual(t, atomic.LoadInt64(&maxOutstanding), int64(env.cfg.PreItemPipelineSize))
	require.Greater(t, testutil.ToFloat64(env.metrics.PreItemChunksSent), 1.0)
}

// Several backfillees share one backfiller and its item budget.
func TestBackfillConcurrentBackfillees(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, nil)
	defer env.Close()
	env.cfg.ItemChunkSize = 1 << 10
	env.cfg.ItemPipelineSize = 2 << 10

	donor := env.newStore(t)
	defer func() { require.NoError(t, donor.Close()) }()
	fill(t, donor, 0, 300, "donor")
	backfiller := env.newBackfiller(t, donor)
	defer backfiller.Close()

	const numRecipients = 3
	recipients := make([]*storage.Store, numRecipients)
	errCh := make(chan error, numRecipients)
	for i := range recipients {
		recipients[i] = env.newStore(t)
		defer func(s *storage.Store) { require.NoError(t, s.Close()) }(recipients[i])
		backfillee := env.newBackfillee(t, recipients[i], backfiller, nil)
		defer backfillee.Close(ctx)
		go func() {
			_, err := backfillee.Go(ctx, testRegion.LeftBound(), &progressRecorder{})
			errCh <- err
		}()
	}
	for range recipients {
		require.NoError(t, <-errCh)
	}
	for _, r := range recipients {
		requireSameData(t, donor, r)
	}
}

// Sessions ended by the callback leave delayed items messages in flight;
// they are still delivered and the next session picks up behind them.
func TestBackfillCallbackStopsWithDelayedDelivery(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	var n int64
	env := newTestEnv(t, &mailbox.TestingKnobs{
		DeliveryDelay: func(_ mailbox.Address, msg interface{}) time.Duration {
			if _, ok := msg.(*Items); ok && atomic.AddInt64(&n, 1)%2 == 1 {
				return 5 * time.Millisecond
			}
			return 0
		},
	})
	defer env.Close()
	env.cfg.ItemChunkSize = 512
	env.cfg.ItemPipelineSize = 4 << 10

	donor := env.newStore(t)
	defer func() { require.NoError(t, donor.Close()) }()
	recipient := env.newStore(t)
	defer func() { require.NoError(t, recipient.Close()) }()
	fill(t, donor, 0, 300, "donor")

	backfiller := env.newBackfiller(t, donor)
	defer backfiller.Close()
	backfillee := env.newBackfillee(t, recipient, backfiller, nil)
	defer backfillee.Close(ctx)

	pos := testRegion.LeftBound()
	var sessions int
	for !pos.Equal(testRegion.Right) {
		sessions++
		require.Less(t, sessions, 1000)
		progress := progressRecorder{stopAfter: 1}
		next, err := backfillee.Go(ctx, pos, &progress)
		require.NoError(t, err)
		require.True(t, pos.Less(next), "no progress past %s", pos)
		progress.requireContiguous(t, pos, next)
		pos = next
	}
	require.Greater(t, sessions, 1)
	requireSameData(t, donor, recipient)
	require.Equal(t, 0.0, testutil.ToFloat64(env.mgr.Metrics().Dropped))
	require.Equal(t, 0.0, testutil.ToFloat64(env.metrics.SessionsAborted))
	require.Equal(t, 0.0, testutil.ToFloat64(env.metrics.ItemBytesOutstanding))
}

// A backfillee whose registration is canceled after the backfiller answered
// deregisters, so the backfiller does not keep its peer around.
func TestBackfilleeCanceledAfterRegistrationReply(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	regCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, &mailbox.TestingKnobs{
		DeliveryDelay: func(_ mailbox.Address, msg interface{}) time.Duration {
			if _, ok := msg.(*Intro2); ok {
				cancel()
			}
			return 0
		},
	})
	defer env.Close()

	donor := env.newStore(t)
	defer func() { require.NoError(t, donor.Close()) }()
	recipient := env.newStore(t)
	defer func() { require.NoError(t, recipient.Close()) }()
	fill(t, donor, 0, 10, "donor")

	backfiller := env.newBackfiller(t, donor)
	defer backfiller.Close()
	_, err := NewBackfillee(regCtx, BackfilleeConfig{
		Store: recipient, Manager: env.mgr, Stopper: env.stopper, Backfiller: backfiller.Address(),
		Config: env.cfg, Metrics: env.metrics,
	})
	require.True(t, signal.IsInterrupted(err), "%+v", err)

	require.Eventually(t, func() bool { return backfiller.NumPeers() == 0 }, 10*time.Second, time.Millisecond)
	// Only the backfiller's registration mailbox is left.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.mgr.Metrics().Registered) == 1
	}, 10*time.Second, time.Millisecond)

	// The backfiller still serves new backfillees.
	backfillee := env.newBackfillee(t, recipient, backfiller, nil)
	defer backfillee.Close(context.Background())
	threshold, err := backfillee.Go(context.Background(), testRegion.LeftBound(), &progressRecorder{})
	require.NoError(t, err)
	require.True(t, threshold.Equal(testRegion.Right))
	requireSameData(t, donor, recipient)
}

// Shrinking the item budget while sessions are streaming holds back new
// items until the budget is honored, without stalling any session.
func TestBackfillShrinkItemBudget(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)
	ctx := context.Background()

	env := newTestEnv(t, nil)
	defer env.Close()
	env.cfg.ItemChunkSize = 512
	env.cfg.ItemPipelineSize = 8 << 10

	donor := env.newStore(t)
	defer func() { require.NoError(t, donor.Close()) }()
	fill(t, donor, 0, 300, "donor")
	backfiller := env.newBackfiller(t, donor)
	defer backfiller.Close()

	var shrink sync.Once
	shrunk := int64(env.cfg.ItemChunkSize)
	cb := CallbackFunc(func(context.Context, *storage.VersionMap) bool {
		shrink.Do(func() { backfiller.SetItemPipelineSize(shrunk) })
		return true
	})

	const numRecipients = 3
	recipients := make([]*storage.Store, numRecipients)
	errCh := make(chan error, numRecipients)
	for i := range recipients {
		recipients[i] = env.newStore(t)
		defer func(s *storage.Store) { require.NoError(t, s.Close()) }(recipients[i])
		backfillee := env.newBackfillee(t, recipients[i], backfiller, nil)
		defer backfillee.Close(ctx)
		go func() {
			_, err := backfillee.Go(ctx, testRegion.LeftBound(), cb)
			errCh <- err
		}()
	}
	for range recipients {
		require.NoError(t, <-errCh)
	}
	for _, r := range recipients {
		requireSameData(t, donor, r)
	}
	require.Equal(t, shrunk, backfiller.itemBudget.Capacity())
	require.Equal(t, 0.0, testutil.ToFloat64(env.metrics.ItemBytesOutstanding))
	require.Equal(t, float64(numRecipients), testutil.ToFloat64(env.metrics.SessionsCompleted))
}
