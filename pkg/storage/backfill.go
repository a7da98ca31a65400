// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"context"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/util/fifoenforcer"
)

// Continuation is returned by backfill callbacks to tell the store whether
// to keep going.
type Continuation bool

const (
	// Continue asks for the next item.
	Continue Continuation = false
	// Abort stops the traversal. The item or range that was offered when
	// Abort was returned is not considered consumed.
	Abort Continuation = true
)

// PreItemConsumer receives the pre-items produced by SendBackfillPre.
type PreItemConsumer interface {
	OnPreItem(ctx context.Context, item PreItem) Continuation
	// OnEmptyRange tells the consumer that there are no more pre-items
	// before b.
	OnEmptyRange(ctx context.Context, b keys.RightBound) Continuation
}

// ItemConsumer receives the items produced by SendBackfill, along with the
// metainfo of the sending store at the time.
type ItemConsumer interface {
	OnItem(ctx context.Context, metainfo *VersionMap, item Item) Continuation
	// OnEmptyRange tells the consumer that there are no more items before b.
	OnEmptyRange(ctx context.Context, metainfo *VersionMap, b keys.RightBound) Continuation
}

// Produced is what an ItemProducer hands to ReceiveBackfill: an item, or an
// edge up to which there is nothing to apply.
type Produced struct {
	IsItem bool
	Item   Item
	Edge   keys.RightBound
}

// ItemProducer feeds ReceiveBackfill.
type ItemProducer interface {
	// NextItem returns the next item or edge, or Abort once the producer has
	// nothing more to give for now.
	NextItem() (Produced, Continuation)
	// Metainfo returns the versions the receiving store takes on for r once
	// the items in r are applied.
	Metainfo(r keys.Range) *VersionMap
	// OnCommit is called after everything up to threshold was durably
	// applied. Thresholds passed to successive calls increase strictly.
	OnCommit(ctx context.Context, threshold keys.RightBound)
}

// StoreView is what the backfill protocol needs from a store.
type StoreView interface {
	Region() keys.Range
	NewReadToken() fifoenforcer.ReadToken
	NewWriteToken() fifoenforcer.WriteToken
	// GetMetainfo returns the versions of r, ordered by tok with respect to
	// the store's other operations.
	GetMetainfo(ctx context.Context, tok fifoenforcer.ReadToken, r keys.Range) (*VersionMap, error)
	// ReceiveBackfill applies what producer hands out, which must lie in r.
	ReceiveBackfill(ctx context.Context, r keys.Range, producer ItemProducer) error
	// SendBackfillPre produces a pre-item for every key in startPoint's domain
	// that changed since the version startPoint gives for it.
	SendBackfillPre(ctx context.Context, startPoint *VersionMap, consumer PreItemConsumer) error
	// SendBackfill produces an item for every key in startPoint's domain that
	// changed since the version startPoint gives for it, or that is named by
	// one of preItems. It stops at the end of preItems.
	SendBackfill(
		ctx context.Context, startPoint *VersionMap, preItems *ItemSeq[PreItem], consumer ItemConsumer,
	) error
}

// BranchHistoryManager hands out the branch history behind a set of
// versions.
type BranchHistoryManager interface {
	// ExportBranchHistory adds to out the history of every branch m refers
	// to.
	ExportBranchHistory(m *VersionMap, out BranchHistory)
}
