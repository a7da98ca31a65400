// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/util/iterutil"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// Record is what an engine stores under a key. Deletions are kept as
// tombstones so that they can be backfilled like any other change.
type Record struct {
	Value   []byte
	Deleted bool
	Recency uint64
}

// Engine is the key-value storage underneath a Store. Engines do not
// interpret records; ordering and versioning are the Store's business.
type Engine interface {
	// Get returns the record stored under key, if any.
	Get(key keys.Key) (_ Record, ok bool, _ error)
	// Scan calls fn for every record in r in key order. Returning
	// iterutil.StopIteration() from fn ends the scan without error.
	Scan(r keys.Range, fn func(keys.Key, Record) error) error
	// NewBatch returns a batch of writes which are applied atomically on
	// Commit.
	NewBatch() Batch
	// LoadMetainfo returns the blob last written with Batch.SetMetainfo, or
	// nil if there is none.
	LoadMetainfo() ([]byte, error)
	Close() error
}

// Batch accumulates writes to an Engine. A Batch must be closed.
type Batch interface {
	Set(key keys.Key, rec Record)
	SetMetainfo(blob []byte)
	Commit() error
	Close()
}

// inMemEngine is an Engine over an in-memory btree.
type inMemEngine struct {
	mu struct {
		syncutil.RWMutex
		tree     *btree.BTree
		metainfo []byte
		closed   bool
	}
}

type inMemRecord struct {
	key keys.Key
	rec Record
}

func (r *inMemRecord) Less(than btree.Item) bool {
	return r.key.Less(than.(*inMemRecord).key)
}

var errEngineClosed = errors.New("engine closed")

// NewInMemEngine returns an empty Engine which keeps everything in memory.
func NewInMemEngine() Engine {
	e := &inMemEngine{}
	e.mu.tree = btree.New(16)
	return e
}

func (e *inMemEngine) Get(key keys.Key) (Record, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.mu.closed {
		return Record{}, false, errEngineClosed
	}
	i := e.mu.tree.Get(&inMemRecord{key: key})
	if i == nil {
		return Record{}, false, nil
	}
	return i.(*inMemRecord).rec, true, nil
}

func (e *inMemEngine) Scan(r keys.Range, fn func(keys.Key, Record) error) error {
	e.mu.RLock()
	if e.mu.closed {
		e.mu.RUnlock()
		return errEngineClosed
	}
	// fn may take its time, so iterate over a snapshot.
	tree := e.mu.tree.Clone()
	e.mu.RUnlock()

	var err error
	tree.AscendGreaterOrEqual(&inMemRecord{key: r.Left}, func(i btree.Item) bool {
		ir := i.(*inMemRecord)
		if !r.Right.ContainsKey(ir.key) {
			return false
		}
		err = fn(ir.key, ir.rec)
		return err == nil
	})
	return iterutil.Map(err)
}

func (e *inMemEngine) NewBatch() Batch {
	return &inMemBatch{e: e}
}

func (e *inMemEngine) LoadMetainfo() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.mu.closed {
		return nil, errEngineClosed
	}
	return e.mu.metainfo, nil
}

func (e *inMemEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mu.closed = true
	return nil
}

type inMemBatch struct {
	e        *inMemEngine
	writes   []inMemRecord
	metainfo []byte
}

func (b *inMemBatch) Set(key keys.Key, rec Record) {
	b.writes = append(b.writes, inMemRecord{key: key.Clone(), rec: rec})
}

func (b *inMemBatch) SetMetainfo(blob []byte) {
	b.metainfo = append([]byte(nil), blob...)
}

func (b *inMemBatch) Commit() error {
	e := b.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mu.closed {
		return errEngineClosed
	}
	for i := range b.writes {
		e.mu.tree.ReplaceOrInsert(&b.writes[i])
	}
	if b.metainfo != nil {
		e.mu.metainfo = b.metainfo
	}
	b.writes, b.metainfo = nil, nil
	return nil
}

func (b *inMemBatch) Close() {
	b.writes, b.metainfo = nil, nil
}
