// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package regionmap maps the keys of a range to values. The range (the map's
// domain) is partitioned into disjoint sub-ranges, each carrying one value;
// every key of the domain falls in exactly one sub-range.
package regionmap

import (
	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/google/btree"
)

const degree = 8

// entry is an immutable sub-range. Entries are replaced rather than mutated
// so that clones can share them.
type entry[V any] struct {
	start keys.Key
	end   keys.RightBound
	val   V
}

// Less implements btree.Item.
func (e *entry[V]) Less(than btree.Item) bool {
	return e.start.Less(than.(*entry[V]).start)
}

func (e *entry[V]) rng() keys.Range {
	return keys.MakeRange(e.start, e.end)
}

// Entry is a sub-range of a Map with its value.
type Entry[V any] struct {
	Range keys.Range
	Value V
}

// Map is a partition of a key range into sub-ranges carrying values of type
// V. The zero value is not usable; construct with New.
//
// A Map is not safe for concurrent mutation.
type Map[V any] struct {
	domain keys.Range
	tree   *btree.BTree
}

// New returns a map over domain where every key maps to v.
func New[V any](domain keys.Range, v V) *Map[V] {
	m := &Map[V]{domain: domain, tree: btree.New(degree)}
	if !domain.IsEmpty() {
		m.tree.ReplaceOrInsert(&entry[V]{start: domain.Left, end: domain.Right, val: v})
	}
	return m
}

// FromEntries builds a map from entries which must partition their union,
// given in key order.
func FromEntries[V any](entries []Entry[V]) (*Map[V], error) {
	if len(entries) == 0 {
		return nil, errors.New("no entries")
	}
	m := &Map[V]{
		domain: keys.MakeRange(entries[0].Range.Left, entries[len(entries)-1].Range.Right),
		tree:   btree.New(degree),
	}
	pos := entries[0].Range.LeftBound()
	for _, e := range entries {
		if !e.Range.LeftBound().Equal(pos) {
			return nil, errors.Newf("entry %s does not start at %s", e.Range, pos)
		}
		if e.Range.IsEmpty() {
			return nil, errors.Newf("empty entry %s", e.Range)
		}
		m.tree.ReplaceOrInsert(&entry[V]{start: e.Range.Left, end: e.Range.Right, val: e.Value})
		pos = e.Range.Right
	}
	return m, nil
}

// Domain returns the range covered by the map.
func (m *Map[V]) Domain() keys.Range {
	return m.domain
}

// Len returns the number of sub-ranges.
func (m *Map[V]) Len() int {
	return m.tree.Len()
}

// Clone returns a copy of the map. The copy shares structure with m until
// either is modified.
func (m *Map[V]) Clone() *Map[V] {
	return &Map[V]{domain: m.domain, tree: m.tree.Clone()}
}

// entryAt returns the entry containing k. k must lie in the domain.
func (m *Map[V]) entryAt(k keys.Key) *entry[V] {
	var found *entry[V]
	m.tree.DescendLessOrEqual(&entry[V]{start: k}, func(i btree.Item) bool {
		found = i.(*entry[V])
		return false
	})
	if found == nil || !found.end.ContainsKey(k) {
		panic(errors.AssertionFailedf("key %s outside of domain %s", k, m.domain))
	}
	return found
}

// Lookup returns the value of the key k, which must lie in the domain.
func (m *Map[V]) Lookup(k keys.Key) V {
	if !m.domain.Contains(k) {
		panic(errors.AssertionFailedf("key %s outside of domain %s", k, m.domain))
	}
	return m.entryAt(k).val
}

// Visit calls fn for every sub-range overlapping r, clipped to r, in key
// order, until fn returns false. r must lie within the domain.
func (m *Map[V]) Visit(r keys.Range, fn func(keys.Range, V) bool) {
	if !m.domain.ContainsRange(r) {
		panic(errors.AssertionFailedf("range %s outside of domain %s", r, m.domain))
	}
	if r.IsEmpty() {
		return
	}
	first := m.entryAt(r.Left)
	m.tree.AscendGreaterOrEqual(first, func(i btree.Item) bool {
		e := i.(*entry[V])
		if !r.Right.ContainsKey(e.start) {
			return false
		}
		return fn(e.rng().Intersect(r), e.val)
	})
}

// Entries returns all sub-ranges in key order.
func (m *Map[V]) Entries() []Entry[V] {
	out := make([]Entry[V], 0, m.tree.Len())
	m.tree.Ascend(func(i btree.Item) bool {
		e := i.(*entry[V])
		out = append(out, Entry[V]{Range: e.rng(), Value: e.val})
		return true
	})
	return out
}

// splitAt makes sure no sub-range straddles the position b.
func (m *Map[V]) splitAt(b keys.RightBound) {
	if b.Unbounded || !m.domain.Contains(b.Key) {
		return
	}
	e := m.entryAt(b.Key)
	if e.start.Equal(b.Key) {
		return
	}
	m.tree.ReplaceOrInsert(&entry[V]{start: e.start, end: b, val: e.val})
	m.tree.ReplaceOrInsert(&entry[V]{start: b.Key, end: e.end, val: e.val})
}

// Update sets the value of every key in r to v. r must lie within the
// domain.
func (m *Map[V]) Update(r keys.Range, v V) {
	if !m.domain.ContainsRange(r) {
		panic(errors.AssertionFailedf("range %s outside of domain %s", r, m.domain))
	}
	if r.IsEmpty() {
		return
	}
	m.splitAt(r.LeftBound())
	m.splitAt(r.Right)
	var doomed []btree.Item
	m.tree.AscendGreaterOrEqual(&entry[V]{start: r.Left}, func(i btree.Item) bool {
		e := i.(*entry[V])
		if !r.Right.ContainsKey(e.start) {
			return false
		}
		doomed = append(doomed, e)
		return true
	})
	for _, e := range doomed {
		m.tree.Delete(e)
	}
	m.tree.ReplaceOrInsert(&entry[V]{start: r.Left.Clone(), end: r.Right.Clone(), val: v})
}

// Mask returns a new map restricted to r, which must lie within the domain.
func (m *Map[V]) Mask(r keys.Range) *Map[V] {
	if !m.domain.ContainsRange(r) {
		panic(errors.AssertionFailedf("range %s outside of domain %s", r, m.domain))
	}
	out := &Map[V]{domain: r, tree: btree.New(degree)}
	m.Visit(r, func(sub keys.Range, v V) bool {
		out.tree.ReplaceOrInsert(&entry[V]{start: sub.Left, end: sub.Right, val: v})
		return true
	})
	return out
}

// ExtendKeysRight appends the sub-ranges of other, whose domain must start
// where m's domain ends.
func (m *Map[V]) ExtendKeysRight(other *Map[V]) {
	if !m.domain.Right.Equal(other.domain.LeftBound()) {
		panic(errors.AssertionFailedf("cannot extend %s with non-adjacent %s", m.domain, other.domain))
	}
	other.tree.Ascend(func(i btree.Item) bool {
		m.tree.ReplaceOrInsert(i)
		return true
	})
	m.domain = keys.MakeRange(m.domain.Left, other.domain.Right)
}

// Coalesce merges adjacent sub-ranges whose values are equal according to eq.
func (m *Map[V]) Coalesce(eq func(a, b V) bool) {
	var merged []*entry[V]
	m.tree.Ascend(func(i btree.Item) bool {
		e := i.(*entry[V])
		if n := len(merged); n > 0 && eq(merged[n-1].val, e.val) {
			merged[n-1] = &entry[V]{start: merged[n-1].start, end: e.end, val: merged[n-1].val}
			return true
		}
		merged = append(merged, e)
		return true
	})
	if len(merged) == m.tree.Len() {
		return
	}
	m.tree.Clear(false)
	for _, e := range merged {
		m.tree.ReplaceOrInsert(e)
	}
}

// CheckPartition verifies that the sub-ranges exactly partition the domain.
func (m *Map[V]) CheckPartition() error {
	pos := m.domain.LeftBound()
	var err error
	m.tree.Ascend(func(i btree.Item) bool {
		e := i.(*entry[V])
		if !keys.MakeRightBound(e.start).Equal(pos) {
			err = errors.Newf("sub-range %s does not start at %s", e.rng(), pos)
			return false
		}
		if e.rng().IsEmpty() {
			err = errors.Newf("empty sub-range %s", e.rng())
			return false
		}
		pos = e.end
		return true
	})
	if err != nil {
		return err
	}
	if !m.domain.IsEmpty() && !pos.Equal(m.domain.Right) {
		return errors.Newf("sub-ranges end at %s, not at %s", pos, m.domain.Right)
	}
	return nil
}

// SafeFormat implements redact.SafeFormatter.
func (m *Map[V]) SafeFormat(w redact.SafePrinter, _ rune) {
	w.SafeString("{")
	first := true
	m.tree.Ascend(func(i btree.Item) bool {
		e := i.(*entry[V])
		if !first {
			w.SafeString(", ")
		}
		first = false
		w.Printf("%s: %v", e.rng(), e.val)
		return true
	})
	w.SafeString("}")
}

func (m *Map[V]) String() string {
	return redact.StringWithoutMarkers(m)
}
