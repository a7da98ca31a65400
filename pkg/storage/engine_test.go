// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"testing"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/util/iterutil"
	"github.com/cockroachdb/backfill/pkg/util/leaktest"
	"github.com/cockroachdb/backfill/pkg/util/log"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func runWithEngines(t *testing.T, fn func(t *testing.T, e Engine)) {
	t.Run("inmem", func(t *testing.T) {
		e := NewInMemEngine()
		defer func() { require.NoError(t, e.Close()) }()
		fn(t, e)
	})
	t.Run("pebble", func(t *testing.T) {
		e, err := NewPebbleEngine(PebbleConfig{Dir: "data", FS: vfs.NewMem(), Region: keys.Universe()})
		require.NoError(t, err)
		defer func() { require.NoError(t, e.Close()) }()
		fn(t, e)
	})
}

func scanKeys(t *testing.T, e Engine, rng keys.Range) []string {
	t.Helper()
	var out []string
	require.NoError(t, e.Scan(rng, func(key keys.Key, _ Record) error {
		out = append(out, string(key))
		return nil
	}))
	return out
}

func TestEngine(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	runWithEngines(t, func(t *testing.T, e Engine) {
		blob, err := e.LoadMetainfo()
		require.NoError(t, err)
		require.Nil(t, blob)

		b := e.NewBatch()
		b.Set(k("b"), Record{Value: []byte("vb"), Recency: 1})
		b.Set(k("d"), Record{Value: []byte("vd"), Recency: 2})
		b.Set(k("f"), Record{Deleted: true, Recency: 3})
		b.Set(k(""), Record{Value: []byte("empty"), Recency: 4})
		b.SetMetainfo([]byte("meta"))
		_, ok, err := e.Get(k("b"))
		require.NoError(t, err)
		require.False(t, ok, "uncommitted write visible")
		require.NoError(t, b.Commit())
		b.Close()

		rec, ok, err := e.Get(k("b"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, Record{Value: []byte("vb"), Recency: 1}, rec)

		rec, ok, err = e.Get(k("f"))
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, rec.Deleted)
		require.Equal(t, uint64(3), rec.Recency)

		_, ok, err = e.Get(k("c"))
		require.NoError(t, err)
		require.False(t, ok)

		require.Equal(t, []string{"", "b", "d", "f"}, scanKeys(t, e, keys.Universe()))
		require.Equal(t, []string{"b", "d"}, scanKeys(t, e, r("b", "f")))
		require.Equal(t, []string{"d", "f"}, scanKeys(t, e, r("c", "")))
		require.Empty(t, scanKeys(t, e, r("g", "")))

		var visited int
		require.NoError(t, e.Scan(keys.Universe(), func(keys.Key, Record) error {
			visited++
			return iterutil.StopIteration()
		}))
		require.Equal(t, 1, visited)

		blob, err = e.LoadMetainfo()
		require.NoError(t, err)
		require.Equal(t, []byte("meta"), blob)

		// Overwrites replace records.
		b = e.NewBatch()
		b.Set(k("b"), Record{Deleted: true, Recency: 5})
		require.NoError(t, b.Commit())
		b.Close()
		rec, _, err = e.Get(k("b"))
		require.NoError(t, err)
		require.True(t, rec.Deleted)
		blob, err = e.LoadMetainfo()
		require.NoError(t, err)
		require.Equal(t, []byte("meta"), blob, "metainfo kept when a batch does not set it")
	})
}

func TestPebbleEngineStoreIdent(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	fs := vfs.NewMem()
	region := r("a", "m")
	e, err := NewPebbleEngine(PebbleConfig{Dir: "store", FS: fs, Region: region})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	ident, ok, err := getStoreIdent(fs, "store")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, region, ident.Region)

	e, err = NewPebbleEngine(PebbleConfig{Dir: "store", FS: fs, Region: region})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	again, _, err := getStoreIdent(fs, "store")
	require.NoError(t, err)
	require.Equal(t, ident.StoreID, again.StoreID)

	_, err = NewPebbleEngine(PebbleConfig{Dir: "store", FS: fs, Region: r("a", "")})
	require.ErrorContains(t, err, "holds store")

	_, ok, err = getStoreIdent(fs, "elsewhere")
	require.NoError(t, err)
	require.False(t, ok)
}
