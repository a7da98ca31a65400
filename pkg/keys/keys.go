// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package keys defines the key space shared by the storage layer and the
// backfill protocol: keys, exclusive right bounds and key ranges.
package keys

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Key is a key in the store's key space. The empty key is the smallest key.
type Key []byte

// Compare returns -1, 0 or 1 depending on whether k is less than, equal to or
// greater than o.
func (k Key) Compare(o Key) int {
	return bytes.Compare(k, o)
}

// Equal returns whether k and o are the same key.
func (k Key) Equal(o Key) bool {
	return bytes.Equal(k, o)
}

// Less returns whether k sorts before o.
func (k Key) Less(o Key) bool {
	return bytes.Compare(k, o) < 0
}

// Next returns the smallest key that sorts after k. The returned key never
// aliases k.
func (k Key) Next() Key {
	next := make(Key, len(k)+1)
	copy(next, k)
	return next
}

// Clone returns a copy of k.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	c := make(Key, len(k))
	copy(c, k)
	return c
}

// SafeFormat implements redact.SafeFormatter. Keys are user data and are
// printed as redactable.
func (k Key) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%q", []byte(k))
}

func (k Key) String() string {
	return redact.StringWithoutMarkers(k)
}

// RightBound is an exclusive upper bound in the key space: either "before key
// Key" or, when Unbounded is set, "past all keys". A RightBound is also used
// as a position in the key space, which is how the backfill protocol
// expresses its threshold.
type RightBound struct {
	Key       Key
	Unbounded bool
}

// MakeRightBound returns the bound that sits just before k.
func MakeRightBound(k Key) RightBound {
	return RightBound{Key: k}
}

// PastAll returns the bound that sits after every key.
func PastAll() RightBound {
	return RightBound{Unbounded: true}
}

// Compare orders bounds by position in the key space.
func (b RightBound) Compare(o RightBound) int {
	switch {
	case b.Unbounded && o.Unbounded:
		return 0
	case b.Unbounded:
		return 1
	case o.Unbounded:
		return -1
	}
	return b.Key.Compare(o.Key)
}

// Equal returns whether b and o are the same position.
func (b RightBound) Equal(o RightBound) bool {
	return b.Compare(o) == 0
}

// Less returns whether b is strictly before o.
func (b RightBound) Less(o RightBound) bool {
	return b.Compare(o) < 0
}

// ContainsKey returns whether k sorts before b.
func (b RightBound) ContainsKey(k Key) bool {
	return b.Unbounded || k.Compare(b.Key) < 0
}

// Clone returns a deep copy of b.
func (b RightBound) Clone() RightBound {
	return RightBound{Key: b.Key.Clone(), Unbounded: b.Unbounded}
}

// SafeFormat implements redact.SafeFormatter.
func (b RightBound) SafeFormat(w redact.SafePrinter, _ rune) {
	if b.Unbounded {
		w.SafeString("/Max")
		return
	}
	w.Print(b.Key)
}

func (b RightBound) String() string {
	return redact.StringWithoutMarkers(b)
}

// MinBound returns the smaller of two bounds.
func MinBound(a, b RightBound) RightBound {
	if b.Less(a) {
		return b
	}
	return a
}

// MaxBound returns the larger of two bounds.
func MaxBound(a, b RightBound) RightBound {
	if a.Less(b) {
		return b
	}
	return a
}

// Range is the half-open key range [Left, Right).
type Range struct {
	Left  Key
	Right RightBound
}

// MakeRange constructs the range [left, right).
func MakeRange(left Key, right RightBound) Range {
	return Range{Left: left, Right: right}
}

// Universe returns the range covering every key.
func Universe() Range {
	return Range{Left: Key{}, Right: PastAll()}
}

// RangeFrom returns the range that starts at the position from and ends at
// right. from must not be past all keys.
func RangeFrom(from, right RightBound) Range {
	if from.Unbounded {
		panic(errors.AssertionFailedf("range cannot start past all keys"))
	}
	return Range{Left: from.Key, Right: right}
}

// LeftBound returns the position at which r starts.
func (r Range) LeftBound() RightBound {
	return MakeRightBound(r.Left)
}

// IsEmpty returns whether r contains no keys.
func (r Range) IsEmpty() bool {
	return !r.Right.ContainsKey(r.Left)
}

// Contains returns whether k falls inside r.
func (r Range) Contains(k Key) bool {
	return r.Left.Compare(k) <= 0 && r.Right.ContainsKey(k)
}

// ContainsRange returns whether every key in o falls inside r. An empty
// range is contained in r if its position lies within [Left, Right].
func (r Range) ContainsRange(o Range) bool {
	return r.Left.Compare(o.Left) <= 0 && o.Right.Compare(r.Right) <= 0
}

// Intersect returns the overlap of r and o, which may be empty.
func (r Range) Intersect(o Range) Range {
	left := r.Left
	if left.Less(o.Left) {
		left = o.Left
	}
	right := MinBound(r.Right, o.Right)
	if !right.ContainsKey(left) {
		right = MakeRightBound(left)
	}
	return Range{Left: left, Right: right}
}

// Equal returns whether r and o describe the same range.
func (r Range) Equal(o Range) bool {
	return r.Left.Equal(o.Left) && r.Right.Equal(o.Right)
}

// SafeFormat implements redact.SafeFormatter.
func (r Range) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("[%s,%s)", r.Left, r.Right)
}

func (r Range) String() string {
	return redact.StringWithoutMarkers(r)
}
