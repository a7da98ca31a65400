// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRightBoundOrdering(t *testing.T) {
	a := MakeRightBound(Key("a"))
	b := MakeRightBound(Key("b"))
	max := PastAll()

	require.True(t, a.Less(b))
	require.True(t, b.Less(max))
	require.False(t, max.Less(max))
	require.True(t, max.Equal(PastAll()))
	require.Equal(t, a, MinBound(a, max))
	require.Equal(t, max, MaxBound(b, max))

	require.True(t, b.ContainsKey(Key("a")))
	require.False(t, b.ContainsKey(Key("b")))
	require.True(t, max.ContainsKey(Key("zzz")))
}

func TestKeyNext(t *testing.T) {
	k := Key("abc")
	n := k.Next()
	require.True(t, k.Less(n))
	require.Equal(t, Key("abc\x00"), n)
	// Nothing fits between a key and its successor.
	require.False(t, MakeRightBound(n).ContainsKey(Key("abc\x00")))
	n[0] = 'z'
	require.Equal(t, Key("abc"), k)
}

func TestRange(t *testing.T) {
	r := MakeRange(Key("b"), MakeRightBound(Key("m")))
	require.False(t, r.IsEmpty())
	require.True(t, r.Contains(Key("b")))
	require.True(t, r.Contains(Key("l")))
	require.False(t, r.Contains(Key("m")))
	require.False(t, r.Contains(Key("a")))

	empty := MakeRange(Key("c"), MakeRightBound(Key("c")))
	require.True(t, empty.IsEmpty())
	require.True(t, r.ContainsRange(empty))

	i := r.Intersect(MakeRange(Key("f"), PastAll()))
	require.Equal(t, MakeRange(Key("f"), MakeRightBound(Key("m"))), i)

	disjoint := r.Intersect(MakeRange(Key("x"), PastAll()))
	require.True(t, disjoint.IsEmpty())

	require.True(t, Universe().ContainsRange(r))
	require.Equal(t, `["b","m")`, r.String())
	require.Equal(t, `["b",/Max)`, MakeRange(Key("b"), PastAll()).String())

	require.Panics(t, func() { RangeFrom(PastAll(), PastAll()) })
	require.Equal(t, r, RangeFrom(MakeRightBound(Key("b")), r.Right))
}
