// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// itemOverhead approximates the fixed in-memory cost of an item or pre-item.
const itemOverhead = 32

// Item carries the state of one key from the backfiller to the backfillee:
// either its value or, if Deleted is set, the fact that it does not exist.
// Recency is the timestamp of the write that produced this state.
type Item struct {
	Key     keys.Key
	Value   []byte
	Deleted bool
	Recency uint64
}

// ItemKey implements Keyed.
func (it Item) ItemKey() keys.Key { return it.Key }

// MemSize implements Keyed.
func (it Item) MemSize() int64 {
	return int64(len(it.Key)+len(it.Value)) + itemOverhead
}

// SafeFormat implements redact.SafeFormatter.
func (it Item) SafeFormat(w redact.SafePrinter, _ rune) {
	if it.Deleted {
		w.Printf("%s@%d (deleted)", it.Key, it.Recency)
		return
	}
	w.Printf("%s@%d=%q", it.Key, it.Recency, it.Value)
}

func (it Item) String() string { return redact.StringWithoutMarkers(it) }

// PreItem tells the backfiller that the backfillee's copy of Key changed
// since their common version, so the backfiller must send the key's state
// even if its own copy did not change.
type PreItem struct {
	Key     keys.Key
	Recency uint64
}

// ItemKey implements Keyed.
func (p PreItem) ItemKey() keys.Key { return p.Key }

// MemSize implements Keyed.
func (p PreItem) MemSize() int64 {
	return int64(len(p.Key)) + itemOverhead
}

// Keyed is implemented by Item and PreItem.
type Keyed interface {
	ItemKey() keys.Key
	MemSize() int64
}

// ItemSeq is a run of items in strictly increasing key order which
// describes the key range [Left, Right) completely: keys in that range that
// have no item are known not to need one. The range may extend past the last
// item; that is how "nothing changed up to here" is expressed.
type ItemSeq[T Keyed] struct {
	left, right keys.RightBound
	items       []T
	memSize     int64
}

// MakeItemSeq returns an empty sequence positioned at left.
func MakeItemSeq[T Keyed](left keys.RightBound) ItemSeq[T] {
	return ItemSeq[T]{left: left, right: left}
}

// Left returns the position at which the sequence starts.
func (s *ItemSeq[T]) Left() keys.RightBound { return s.left }

// Right returns the position up to which the sequence is complete.
func (s *ItemSeq[T]) Right() keys.RightBound { return s.right }

// Range returns [Left, Right).
func (s *ItemSeq[T]) Range() keys.Range { return keys.RangeFrom(s.left, s.right) }

// Len returns the number of items.
func (s *ItemSeq[T]) Len() int { return len(s.items) }

// Empty returns whether the sequence holds no items. It may still cover a
// non-empty range.
func (s *ItemSeq[T]) Empty() bool { return len(s.items) == 0 }

// MemSize returns the combined size of the items.
func (s *ItemSeq[T]) MemSize() int64 { return s.memSize }

// Items returns the items. The slice must not be modified.
func (s *ItemSeq[T]) Items() []T { return s.items }

// Front returns the first item. The sequence must not be empty.
func (s *ItemSeq[T]) Front() T { return s.items[0] }

// PushBackItem appends it, which must not sort before Right, and moves Right
// just past its key.
func (s *ItemSeq[T]) PushBackItem(it T) {
	k := it.ItemKey()
	if s.right.ContainsKey(k) {
		panic(errors.AssertionFailedf("item %s pushed behind the end of sequence %s", k, s.right))
	}
	s.items = append(s.items, it)
	s.memSize += it.MemSize()
	s.right = keys.MakeRightBound(k.Next())
}

// PushBackNothing extends the sequence to b without adding items.
func (s *ItemSeq[T]) PushBackNothing(b keys.RightBound) {
	if b.Less(s.right) {
		panic(errors.AssertionFailedf("cannot extend sequence ending at %s back to %s", s.right, b))
	}
	s.right = b
}

// PopFront removes and returns the first item. Left moves just past its key.
func (s *ItemSeq[T]) PopFront() T {
	it := s.items[0]
	var zero T
	s.items[0] = zero
	s.items = s.items[1:]
	s.memSize -= it.MemSize()
	s.left = keys.MakeRightBound(it.ItemKey().Next())
	return it
}

// DeleteToKey drops every item before b and moves Left to b, which must lie
// within [Left, Right].
func (s *ItemSeq[T]) DeleteToKey(b keys.RightBound) {
	if b.Less(s.left) || s.right.Less(b) {
		panic(errors.AssertionFailedf("position %s outside of sequence [%s,%s)", b, s.left, s.right))
	}
	for len(s.items) > 0 && b.ContainsKey(s.items[0].ItemKey()) {
		s.memSize -= s.items[0].MemSize()
		var zero T
		s.items[0] = zero
		s.items = s.items[1:]
	}
	s.left = b
}

// Concat appends o, which must start where s ends.
func (s *ItemSeq[T]) Concat(o ItemSeq[T]) {
	if !o.left.Equal(s.right) {
		panic(errors.AssertionFailedf("sequence starting at %s cannot follow one ending at %s",
			o.left, s.right))
	}
	s.items = append(s.items, o.items...)
	s.memSize += o.memSize
	s.right = o.right
}

// SafeFormat implements redact.SafeFormatter.
func (s *ItemSeq[T]) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d items in [%s,%s)", redact.Safe(len(s.items)), s.left, s.right)
}

func (s *ItemSeq[T]) String() string { return redact.StringWithoutMarkers(s) }
