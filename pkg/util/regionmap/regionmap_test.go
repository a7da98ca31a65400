// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package regionmap

import (
	"testing"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
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

func TestUpdateAndVisit(t *testing.T) {
	m := New(r("a", "z"), 0)
	m.Update(r("c", "f"), 1)
	m.Update(r("e", "h"), 2)
	require.NoError(t, m.CheckPartition())
	require.Equal(t, `{["a","c"): 0, ["c","e"): 1, ["e","h"): 2, ["h","z"): 0}`, m.String())

	require.Equal(t, 0, m.Lookup(k("b")))
	require.Equal(t, 1, m.Lookup(k("d")))
	require.Equal(t, 2, m.Lookup(k("e")))
	require.Equal(t, 0, m.Lookup(k("y")))
	require.Panics(t, func() { m.Lookup(k("z")) })

	var visited []Entry[int]
	m.Visit(r("d", "i"), func(sub keys.Range, v int) bool {
		visited = append(visited, Entry[int]{sub, v})
		return true
	})
	require.Equal(t, []Entry[int]{
		{r("d", "e"), 1}, {r("e", "h"), 2}, {r("h", "i"), 0},
	}, visited)

	masked := m.Mask(r("d", "g"))
	require.Equal(t, `{["d","e"): 1, ["e","g"): 2}`, masked.String())
	require.NoError(t, masked.CheckPartition())

	m.Update(r("c", "h"), 0)
	m.Coalesce(func(a, b int) bool { return a == b })
	require.Equal(t, 1, m.Len())
	require.Equal(t, `{["a","z"): 0}`, m.String())
}

func TestCloneIsolation(t *testing.T) {
	m := New(r("a", ""), "x")
	c := m.Clone()
	m.Update(r("b", "c"), "y")
	require.Equal(t, 1, c.Len())
	require.Equal(t, "x", c.Lookup(k("b")))
	require.Equal(t, "y", m.Lookup(k("b")))
}

func TestExtendKeysRight(t *testing.T) {
	left := New(r("a", "m"), 1)
	right := New(r("m", ""), 2)
	left.ExtendKeysRight(right)
	require.Equal(t, r("a", ""), left.Domain())
	require.NoError(t, left.CheckPartition())
	require.Equal(t, 2, left.Lookup(k("zzz")))
	require.Panics(t, func() { left.ExtendKeysRight(New(r("n", "p"), 3)) })
}

func TestFromEntries(t *testing.T) {
	m, err := FromEntries([]Entry[int]{{r("a", "c"), 1}, {r("c", ""), 2}})
	require.NoError(t, err)
	require.Equal(t, r("a", ""), m.Domain())
	_, err = FromEntries([]Entry[int]{{r("a", "c"), 1}, {r("d", ""), 2}})
	require.Error(t, err)
}

// TestPartitionProperty applies random updates over a small key space and
// checks the partition against a per-key model after every step.
func TestPartitionProperty(t *testing.T) {
	const alphabet = "abcdefghij"
	keyAt := func(i int) keys.Key { return keys.Key(alphabet[i : i+1]) }
	boundAt := func(i int) keys.RightBound {
		if i >= len(alphabet) {
			return keys.PastAll()
		}
		return keys.MakeRightBound(keyAt(i))
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	properties.Property("updates preserve the partition", prop.ForAll(
		func(ops []int) bool {
			m := New(keys.MakeRange(keyAt(0), keys.PastAll()), 0)
			model := make([]int, len(alphabet))
			for _, op := range ops {
				lo := op % len(alphabet)
				hi := lo + (op/len(alphabet))%(len(alphabet)-lo+1)
				v := op % 4
				m.Update(keys.RangeFrom(boundAt(lo), boundAt(hi)), v)
				for i := lo; i < hi; i++ {
					model[i] = v
				}
				if m.CheckPartition() != nil {
					return false
				}
				for i := range model {
					if m.Lookup(keyAt(i)) != model[i] {
						return false
					}
				}
			}
			c := m.Clone()
			c.Coalesce(func(a, b int) bool { return a == b })
			for i := range model {
				if c.Lookup(keyAt(i)) != model[i] {
					return false
				}
			}
			return c.CheckPartition() == nil && c.Len() <= m.Len()
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))
	properties.TestingRun(t)
}
