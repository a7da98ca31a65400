// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package backfill

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/rpc/mailbox"
	"github.com/cockroachdb/backfill/pkg/storage"
	"github.com/cockroachdb/backfill/pkg/util/stop"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var testRegion = keys.MakeRange(keys.Key("a"), keys.MakeRightBound(keys.Key("z")))

func numberedKey(i int) keys.Key { return keys.Key(fmt.Sprintf("key%06d", i)) }

// testEnv wires backfillers and backfillees together in-process.
type testEnv struct {
	stopper *stop.Stopper
	mgr     *mailbox.Manager
	metrics *Metrics
	cfg     Config
}

func newTestEnv(t *testing.T, knobs *mailbox.TestingKnobs) *testEnv {
	t.Helper()
	stopper := stop.NewStopper()
	return &testEnv{
		stopper: stopper,
		mgr:     mailbox.NewManager(stopper, knobs),
		metrics: MakeMetrics(),
		cfg:     DefaultConfig(),
	}
}

func (e *testEnv) Close() {
	e.stopper.Stop(context.Background())
}

func (e *testEnv) newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.OpenStore(context.Background(), storage.StoreConfig{
		Region: testRegion,
		Engine: storage.NewInMemEngine(),
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) newBackfiller(t *testing.T, s *storage.Store) *Backfiller {
	t.Helper()
	b, err := NewBackfiller(context.Background(), BackfillerConfig{
		Store: s, Manager: e.mgr, Stopper: e.stopper, Config: e.cfg, Metrics: e.metrics,
	})
	require.NoError(t, err)
	return b
}

func (e *testEnv) newBackfillee(
	t *testing.T, s *storage.Store, backfiller *Backfiller, knobs *BackfilleeTestingKnobs,
) *Backfillee {
	t.Helper()
	b, err := NewBackfillee(context.Background(), BackfilleeConfig{
		Store: s, Manager: e.mgr, Stopper: e.stopper, Backfiller: backfiller.Address(),
		Config: e.cfg, Metrics: e.metrics, Knobs: knobs,
	})
	require.NoError(t, err)
	return b
}

// fill writes n numbered keys starting at from.
func fill(t *testing.T, s *storage.Store, from, n int, value string) {
	t.Helper()
	for i := from; i < from+n; i++ {
		_, err := s.Write(context.Background(), numberedKey(i), []byte(value))
		require.NoError(t, err)
	}
}

func liveData(t *testing.T, s *storage.Store) map[string]string {
	t.Helper()
	m := map[string]string{}
	require.NoError(t, s.Scan(context.Background(), s.Region(), func(it storage.Item) error {
		if !it.Deleted {
			m[string(it.Key)] = string(it.Value)
		}
		return nil
	}))
	return m
}

func requireSameData(t *testing.T, donor, recipient *storage.Store) {
	t.Helper()
	if diff := cmp.Diff(liveData(t, donor), liveData(t, recipient)); diff != "" {
		t.Fatalf("recipient differs from donor (-donor +recipient):\n%s", diff)
	}
}

// progressRecorder records the domains passed to OnProgress.
type progressRecorder struct {
	domains []keys.Range
	// stopAfter makes OnProgress return false from that call on, if positive.
	stopAfter int
}

func (r *progressRecorder) OnProgress(_ context.Context, m *storage.VersionMap) bool {
	r.domains = append(r.domains, m.Domain())
	return r.stopAfter <= 0 || len(r.domains) < r.stopAfter
}

// requireContiguous checks that the recorded domains tile [from, to).
func (r *progressRecorder) requireContiguous(t *testing.T, from, to keys.RightBound) {
	t.Helper()
	pos := from
	for _, d := range r.domains {
		require.True(t, d.LeftBound().Equal(pos), "progress at %s, expected %s", d, pos)
		require.False(t, d.IsEmpty(), "empty progress at %s", d)
		pos = d.Right
	}
	require.True(t, pos.Equal(to), "progress ended at %s, expected %s", pos, to)
}
