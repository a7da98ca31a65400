// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"encoding/binary"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/util/iterutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Pebble keys are laid out as a one-byte prefix followed by the key:
//
//	m           metainfo blob
//	u<userkey>  record for <userkey>
//
// Record values are the recency as a big-endian uint64, a flags byte and
// the value.
const (
	metainfoPrefix = 'm'
	userKeyPrefix  = 'u'

	recordHeaderLen = 9
	flagDeleted     = 1
)

var metainfoKey = []byte{metainfoPrefix}

func encodeUserKey(k keys.Key) []byte {
	out := make([]byte, 1+len(k))
	out[0] = userKeyPrefix
	copy(out[1:], k)
	return out
}

func decodeUserKey(b []byte) keys.Key {
	return keys.Key(b[1:]).Clone()
}

func encodeRecord(rec Record) []byte {
	out := make([]byte, recordHeaderLen+len(rec.Value))
	binary.BigEndian.PutUint64(out, rec.Recency)
	if rec.Deleted {
		out[8] = flagDeleted
	}
	copy(out[recordHeaderLen:], rec.Value)
	return out
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) < recordHeaderLen {
		return Record{}, errors.Newf("record of %d bytes is too short", len(b))
	}
	rec := Record{
		Recency: binary.BigEndian.Uint64(b),
		Deleted: b[8]&flagDeleted != 0,
	}
	if len(b) > recordHeaderLen {
		rec.Value = append([]byte(nil), b[recordHeaderLen:]...)
	}
	return rec, nil
}

// PebbleConfig configures a pebble-backed Engine.
type PebbleConfig struct {
	// Dir is the data directory.
	Dir string
	// FS defaults to the OS filesystem. Tests use vfs.NewMem().
	FS vfs.FS
	// Region is the region of the store kept in Dir. Opening a directory
	// created for another region fails.
	Region keys.Range
}

type pebbleEngine struct {
	db    *pebble.DB
	ident StoreIdent
}

// NewPebbleEngine opens (creating if needed) a pebble-backed Engine.
func NewPebbleEngine(cfg PebbleConfig) (Engine, error) {
	fs := cfg.FS
	if fs == nil {
		fs = vfs.Default
	}
	if err := fs.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}
	ident, err := ensureStoreIdent(fs, cfg.Dir, cfg.Region)
	if err != nil {
		return nil, err
	}
	db, err := pebble.Open(cfg.Dir, &pebble.Options{FS: fs})
	if err != nil {
		return nil, errors.Wrapf(err, "opening store %s", ident.StoreID)
	}
	return &pebbleEngine{db: db, ident: ident}, nil
}

func (p *pebbleEngine) Get(key keys.Key) (Record, bool, error) {
	v, closer, err := p.db.Get(encodeUserKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	defer closer.Close()
	rec, err := decodeRecord(v)
	if err != nil {
		return Record{}, false, errors.Wrapf(err, "decoding %s", key)
	}
	return rec, true, nil
}

func (p *pebbleEngine) Scan(r keys.Range, fn func(keys.Key, Record) error) (err error) {
	opts := &pebble.IterOptions{LowerBound: encodeUserKey(r.Left)}
	if r.Right.Unbounded {
		opts.UpperBound = []byte{userKeyPrefix + 1}
	} else {
		opts.UpperBound = encodeUserKey(r.Right.Key)
	}
	iter, err := p.db.NewIter(opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, iter.Close())
	}()
	for valid := iter.First(); valid; valid = iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(decodeUserKey(iter.Key()), rec); err != nil {
			return iterutil.Map(err)
		}
	}
	return iter.Error()
}

func (p *pebbleEngine) NewBatch() Batch {
	return &pebbleBatch{b: p.db.NewBatch()}
}

func (p *pebbleEngine) LoadMetainfo() ([]byte, error) {
	v, closer, err := p.db.Get(metainfoKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (p *pebbleEngine) Close() error {
	return p.db.Close()
}

type pebbleBatch struct {
	b   *pebble.Batch
	err error
}

func (b *pebbleBatch) Set(key keys.Key, rec Record) {
	if b.err == nil {
		b.err = b.b.Set(encodeUserKey(key), encodeRecord(rec), nil)
	}
}

func (b *pebbleBatch) SetMetainfo(blob []byte) {
	if b.err == nil {
		b.err = b.b.Set(metainfoKey, blob, nil)
	}
}

func (b *pebbleBatch) Commit() error {
	if b.err != nil {
		return b.err
	}
	return b.b.Commit(pebble.Sync)
}

func (b *pebbleBatch) Close() {
	_ = b.b.Close()
}
