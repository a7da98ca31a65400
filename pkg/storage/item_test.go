// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"sort"
	"testing"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestItemSeq(t *testing.T) {
	s := MakeItemSeq[Item](rb("a"))
	require.True(t, s.Empty())
	require.True(t, s.Range().IsEmpty())

	s.PushBackItem(Item{Key: k("b"), Value: []byte("1"), Recency: 1})
	s.PushBackItem(Item{Key: k("d"), Value: []byte("22"), Recency: 2})
	require.Equal(t, rb("d\x00"), s.Right())
	require.Panics(t, func() { s.PushBackItem(Item{Key: k("c")}) })
	require.Panics(t, func() { s.PushBackItem(Item{Key: k("d")}) })

	s.PushBackNothing(rb("m"))
	require.Equal(t, "2 items in [\"a\",\"m\")", s.String())
	require.Panics(t, func() { s.PushBackNothing(rb("f")) })

	size := s.MemSize()
	first := s.PopFront()
	require.Equal(t, k("b"), first.Key)
	require.Equal(t, size-first.MemSize(), s.MemSize())
	require.Equal(t, rb("b\x00"), s.Left())

	s.DeleteToKey(rb("e"))
	require.True(t, s.Empty())
	require.Zero(t, s.MemSize())
	require.Equal(t, rb("e"), s.Left())
	require.Panics(t, func() { s.DeleteToKey(rb("z")) })

	rest := MakeItemSeq[Item](rb("m"))
	rest.PushBackItem(Item{Key: k("n"), Deleted: true, Recency: 4})
	rest.PushBackNothing(keys.PastAll())
	s.Concat(rest)
	require.Equal(t, 1, s.Len())
	require.Equal(t, keys.PastAll(), s.Right())
	require.Equal(t, `"n"@4 (deleted)`, s.Front().String())
	require.Panics(t, func() { s.Concat(MakeItemSeq[Item](rb("x"))) })
}

// TestItemSeqOrdering checks that pushing sorted keys and then consuming
// them in arbitrary steps keeps the sequence ordered and its size exact.
func TestItemSeqOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sequence stays ordered and sized", prop.ForAll(
		func(raw []string, cut string) bool {
			sort.Strings(raw)
			s := MakeItemSeq[PreItem](keys.MakeRightBound(keys.Key{}))
			var prev keys.Key
			for i, str := range raw {
				key := keys.Key(str)
				if i > 0 && key.Equal(prev) {
					continue
				}
				s.PushBackItem(PreItem{Key: key, Recency: uint64(i)})
				prev = key
			}
			s.PushBackNothing(keys.PastAll())

			var sum int64
			for _, it := range s.Items() {
				sum += it.MemSize()
			}
			if sum != s.MemSize() {
				return false
			}
			s.DeleteToKey(keys.MakeRightBound(keys.Key(cut)))
			sum = 0
			var last keys.Key
			for i, it := range s.Items() {
				if it.Key.Less(keys.Key(cut)) {
					return false
				}
				if i > 0 && !last.Less(it.Key) {
					return false
				}
				last = it.Key
				sum += it.MemSize()
			}
			for !s.Empty() {
				it := s.PopFront()
				sum -= it.MemSize()
				if !keys.MakeRightBound(it.Key.Next()).Equal(s.Left()) {
					return false
				}
			}
			return sum == 0 && s.MemSize() == 0
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func TestItemMemSize(t *testing.T) {
	it := Item{Key: k("abc"), Value: []byte("value")}
	require.Equal(t, int64(8+itemOverhead), it.MemSize())
	require.Equal(t, int64(3+itemOverhead), PreItem{Key: k("abc")}.MemSize())
}
