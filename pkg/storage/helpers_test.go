// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/stretchr/testify/require"
)

func k(s string) keys.Key { return keys.Key(s) }

func rb(s string) keys.RightBound {
	if s == "" {
		return keys.PastAll()
	}
	return keys.MakeRightBound(k(s))
}

func r(left, right string) keys.Range { return keys.MakeRange(k(left), rb(right)) }

func numberedKey(i int) keys.Key { return keys.Key(fmt.Sprintf("key%04d", i)) }

func newTestStore(t *testing.T, region keys.Range) *Store {
	t.Helper()
	s, err := OpenStore(context.Background(), StoreConfig{Region: region, Engine: NewInMemEngine()})
	require.NoError(t, err)
	return s
}

// scanAll returns every item in the store, deletions included.
func scanAll(t *testing.T, s *Store) []Item {
	t.Helper()
	var out []Item
	require.NoError(t, s.Scan(context.Background(), s.Region(), func(it Item) error {
		out = append(out, it)
		return nil
	}))
	return out
}

// liveItems drops deletions from items.
func liveItems(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if !it.Deleted {
			out = append(out, it)
		}
	}
	return out
}

type collectingPreItemConsumer struct {
	seq   ItemSeq[PreItem]
	limit int
}

func (c *collectingPreItemConsumer) OnPreItem(_ context.Context, p PreItem) Continuation {
	if c.limit > 0 && c.seq.Len() >= c.limit {
		return Abort
	}
	c.seq.PushBackItem(p)
	return Continue
}

func (c *collectingPreItemConsumer) OnEmptyRange(_ context.Context, b keys.RightBound) Continuation {
	c.seq.PushBackNothing(b)
	return Continue
}

type collectingItemConsumer struct {
	seq   ItemSeq[Item]
	meta  *VersionMap
	limit int
}

func (c *collectingItemConsumer) OnItem(_ context.Context, m *VersionMap, it Item) Continuation {
	if c.limit > 0 && c.seq.Len() >= c.limit {
		return Abort
	}
	c.meta = m
	c.seq.PushBackItem(it)
	return Continue
}

func (c *collectingItemConsumer) OnEmptyRange(
	_ context.Context, m *VersionMap, b keys.RightBound,
) Continuation {
	c.meta = m
	c.seq.PushBackNothing(b)
	return Continue
}

// seqProducer hands out the items of a sequence, then its right edge.
type seqProducer struct {
	items   ItemSeq[Item]
	meta    *VersionMap
	commits []keys.RightBound
}

func (p *seqProducer) NextItem() (Produced, Continuation) {
	if p.items.Left().Equal(p.items.Right()) {
		return Produced{}, Abort
	}
	if !p.items.Empty() {
		return Produced{IsItem: true, Item: p.items.PopFront()}, Continue
	}
	edge := p.items.Right()
	p.items.DeleteToKey(edge)
	return Produced{Edge: edge}, Continue
}

func (p *seqProducer) Metainfo(r keys.Range) *VersionMap { return p.meta.Mask(r) }

func (p *seqProducer) OnCommit(_ context.Context, threshold keys.RightBound) {
	p.commits = append(p.commits, threshold)
}

// backfillLocally runs the backfill of recipient from donor without a
// transport in between, and returns the pre-items the recipient produced.
func backfillLocally(t *testing.T, donor, recipient *Store) []PreItem {
	t.Helper()
	ctx := context.Background()
	region := donor.Region()
	donorMeta, err := donor.GetMetainfo(ctx, donor.NewReadToken(), region)
	require.NoError(t, err)
	recipientMeta, err := recipient.GetMetainfo(ctx, recipient.NewReadToken(), region)
	require.NoError(t, err)
	history := BranchHistory{}
	donor.ExportBranchHistory(donorMeta, history)
	recipient.ExportBranchHistory(recipientMeta, history)
	common := CommonVersionMap(recipientMeta, donorMeta, history)

	pre := &collectingPreItemConsumer{seq: MakeItemSeq[PreItem](region.LeftBound())}
	require.NoError(t, recipient.SendBackfillPre(ctx, common, pre))
	require.Equal(t, region.Right, pre.seq.Right())

	items := &collectingItemConsumer{seq: MakeItemSeq[Item](region.LeftBound())}
	preSeq := pre.seq
	require.NoError(t, donor.SendBackfill(ctx, common, &preSeq, items))
	require.Equal(t, region.Right, items.seq.Right())

	p := &seqProducer{items: items.seq, meta: items.meta}
	require.NoError(t, recipient.ReceiveBackfill(ctx, region, p))
	require.NotEmpty(t, p.commits)
	require.Equal(t, region.Right, p.commits[len(p.commits)-1])
	return pre.seq.Items()
}
