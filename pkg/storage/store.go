// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/util/fifoenforcer"
	"github.com/cockroachdb/backfill/pkg/util/iterutil"
	"github.com/cockroachdb/backfill/pkg/util/log"
	"github.com/cockroachdb/backfill/pkg/util/mintimestamp"
	"github.com/cockroachdb/backfill/pkg/util/quotapool"
	"github.com/cockroachdb/backfill/pkg/util/signal"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/backfill/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	defaultWriteQuotaBytes  = 64 << 20
	defaultApplyConcurrency = 4
	defaultApplyBatchSize   = 256

	// scanCheckInterval is the number of records a scan visits between checks
	// for cancellation.
	scanCheckInterval = 128
)

// StoreConfig configures a Store.
type StoreConfig struct {
	Region keys.Range
	Engine Engine
	// WriteQuotaBytes bounds the size of concurrent live writes. Writes are
	// held back increasingly as the quota fills up, according to WriteDelay.
	WriteQuotaBytes int64
	WriteDelay      quotapool.DelayFunc
	// ApplyConcurrency bounds the number of concurrent ReceiveBackfill calls.
	ApplyConcurrency int
	// ApplyBatchSize is the number of items ReceiveBackfill commits at once.
	ApplyBatchSize int
	TimeSource     timeutil.TimeSource
}

func (cfg *StoreConfig) setDefaults() {
	if cfg.WriteQuotaBytes == 0 {
		cfg.WriteQuotaBytes = defaultWriteQuotaBytes
	}
	if cfg.WriteDelay == nil {
		cfg.WriteDelay = quotapool.HyperbolicDelay(0.5, time.Millisecond)
	}
	if cfg.ApplyConcurrency == 0 {
		cfg.ApplyConcurrency = defaultApplyConcurrency
	}
	if cfg.ApplyBatchSize == 0 {
		cfg.ApplyBatchSize = defaultApplyBatchSize
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = timeutil.DefaultTimeSource{}
	}
}

type pendingWrite struct {
	key keys.Key
	rec Record
}

type applyBuffer struct {
	writes []pendingWrite
}

// Store is a versioned key-value store over a region. Every key carries the
// timestamp of its last write, and every sub-range of the region carries
// the version it is at. Local operations are ordered by the store's own
// fifo enforcer.
type Store struct {
	region         keys.Range
	engine         Engine
	applyBatchSize int

	source     fifoenforcer.Source
	sink       *fifoenforcer.Sink
	timestamps *mintimestamp.Enforcer
	writeQuota *quotapool.ThrottlingPool
	applyBufs  *quotapool.ValuePool[*applyBuffer]

	mu struct {
		syncutil.RWMutex
		meta          storeMeta
		lastTimestamp uint64
	}
}

var _ StoreView = (*Store)(nil)
var _ BranchHistoryManager = (*Store)(nil)

// OpenStore opens a store over cfg.Engine. A new engine yields a store at
// the zero version.
func OpenStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	cfg.setDefaults()
	if cfg.Region.IsEmpty() {
		return nil, errors.Newf("store region %s is empty", cfg.Region)
	}
	blob, err := cfg.Engine.LoadMetainfo()
	if err != nil {
		return nil, errors.Wrap(err, "loading store metainfo")
	}
	var meta storeMeta
	if blob == nil {
		meta = storeMeta{history: BranchHistory{}, versions: NewVersionMap(cfg.Region, ZeroVersion)}
	} else {
		if meta, err = decodeStoreMeta(blob); err != nil {
			return nil, err
		}
		if d := meta.versions.Domain(); !d.Equal(cfg.Region) {
			return nil, errors.Newf("engine holds region %s, not %s", d, cfg.Region)
		}
	}
	s := &Store{
		region:         cfg.Region,
		engine:         cfg.Engine,
		applyBatchSize: cfg.ApplyBatchSize,
		sink:           fifoenforcer.NewSink(),
		writeQuota: quotapool.NewThrottlingPool("store-writes", cfg.WriteQuotaBytes, cfg.WriteDelay,
			quotapool.WithTimeSource(cfg.TimeSource),
			quotapool.OnSlowAcquisition(time.Second, quotapool.LogSlowAcquisition)),
		applyBufs: quotapool.NewValuePool("store-apply", cfg.ApplyConcurrency, func() *applyBuffer {
			return &applyBuffer{writes: make([]pendingWrite, 0, cfg.ApplyBatchSize)}
		}),
	}
	s.mu.meta = meta
	s.mu.lastTimestamp = maxTimestamp(meta.versions)
	s.timestamps = mintimestamp.NewEnforcer(s.mu.lastTimestamp)
	log.VEventf(ctx, 1, "opened store for %s at %s", cfg.Region, meta.versions)
	return s, nil
}

func maxTimestamp(m *VersionMap) uint64 {
	var ts uint64
	for _, e := range m.Entries() {
		if e.Value.Timestamp > ts {
			ts = e.Value.Timestamp
		}
	}
	return ts
}

// Region implements StoreView.
func (s *Store) Region() keys.Range { return s.region }

// NewReadToken implements StoreView. The token must be passed to
// GetMetainfo.
func (s *Store) NewReadToken() fifoenforcer.ReadToken { return s.source.EnterRead() }

// NewWriteToken returns a token ordering a later SetMetainfo call with
// respect to the store's other operations. The token must be used.
func (s *Store) NewWriteToken() fifoenforcer.WriteToken { return s.source.EnterWrite() }

// exitRead passes tok through the sink. An issued token has to pass or every
// later operation would wait for it forever, so the wait ignores
// cancellation.
func (s *Store) exitRead(ctx context.Context, tok fifoenforcer.ReadToken) *fifoenforcer.ReadExit {
	exit, err := s.sink.ExitRead(context.WithoutCancel(ctx), tok)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "uncancelable read exit failed"))
	}
	return exit
}

func (s *Store) exitWrite(ctx context.Context, tok fifoenforcer.WriteToken) *fifoenforcer.WriteExit {
	exit, err := s.sink.ExitWrite(context.WithoutCancel(ctx), tok)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "uncancelable write exit failed"))
	}
	return exit
}

// GetMetainfo implements StoreView.
func (s *Store) GetMetainfo(
	ctx context.Context, tok fifoenforcer.ReadToken, r keys.Range,
) (*VersionMap, error) {
	exit := s.exitRead(ctx, tok)
	defer exit.End()
	if err := ctx.Err(); err != nil {
		return nil, signal.Interrupted(ctx)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mu.meta.versions.Mask(r), nil
}

// SetMetainfo sets the versions of m's domain, ordered by tok.
func (s *Store) SetMetainfo(ctx context.Context, tok fifoenforcer.WriteToken, m *VersionMap) error {
	exit := s.exitWrite(ctx, tok)
	defer exit.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.mu.meta.versions.Clone()
	m.Visit(m.Domain(), func(r keys.Range, v Version) bool {
		next.Update(r, v)
		return true
	})
	CoalesceVersions(next)
	return s.commitLocked(nil, next, s.mu.meta.branch, s.mu.meta.history)
}

// commitLocked writes records and the new metainfo atomically, then adopts
// the metainfo.
func (s *Store) commitLocked(
	writes []pendingWrite, versions *VersionMap, branch uuid.UUID, history BranchHistory,
) error {
	blob, err := encodeStoreMeta(storeMeta{branch: branch, history: history, versions: versions})
	if err != nil {
		return err
	}
	b := s.engine.NewBatch()
	defer b.Close()
	for _, w := range writes {
		b.Set(w.key, w.rec)
	}
	b.SetMetainfo(blob)
	if err := b.Commit(); err != nil {
		return err
	}
	s.mu.meta = storeMeta{branch: branch, history: history, versions: versions}
	if ts := maxTimestamp(versions); ts > s.mu.lastTimestamp {
		s.mu.lastTimestamp = ts
	}
	if ts := s.mu.lastTimestamp; ts > s.timestamps.Current() {
		s.timestamps.Bump(ts)
	}
	return nil
}

// ExportBranchHistory implements BranchHistoryManager.
func (s *Store) ExportBranchHistory(m *VersionMap, out BranchHistory) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range m.Entries() {
		for id := e.Value.Branch; id != uuid.Nil; {
			birth, ok := s.mu.meta.history[id]
			if !ok {
				break
			}
			if _, seen := out[id]; seen {
				break
			}
			out[id] = birth
			id = birth.Parent.Branch
		}
	}
}

// ImportBranchHistory adds h to the store's branch history.
func (s *Store) ImportBranchHistory(ctx context.Context, h BranchHistory) error {
	tok := s.source.EnterWrite()
	exit := s.exitWrite(ctx, tok)
	defer exit.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := BranchHistory{}
	merged.Merge(s.mu.meta.history)
	merged.Merge(h)
	return s.commitLocked(nil, s.mu.meta.versions, s.mu.meta.branch, merged)
}

// Write sets key to value and returns the timestamp of the write.
func (s *Store) Write(ctx context.Context, key keys.Key, value []byte) (uint64, error) {
	return s.write(ctx, key, Record{Value: value})
}

// Delete removes key and returns the timestamp of the deletion.
func (s *Store) Delete(ctx context.Context, key keys.Key) (uint64, error) {
	return s.write(ctx, key, Record{Deleted: true})
}

// write applies a live write. The whole region moves to the next version on
// the store's branch. A new branch is started whenever the data was not
// last written on the current branch, forking off the version the region
// was at, or off nothing if the region was not at a single version.
func (s *Store) write(ctx context.Context, key keys.Key, rec Record) (uint64, error) {
	if !s.region.Contains(key) {
		return 0, errors.Newf("key %s outside of store region %s", key, s.region)
	}
	alloc, err := s.writeQuota.Acquire(ctx, int64(len(key)+len(rec.Value))+itemOverhead)
	if err != nil {
		return 0, err
	}
	defer alloc.Release()

	tok := s.source.EnterWrite()
	exit := s.exitWrite(ctx, tok)
	defer exit.End()
	if err := ctx.Err(); err != nil {
		return 0, signal.Interrupted(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	branch, history := s.mu.meta.branch, s.mu.meta.history
	cur := s.mu.meta.versions.Entries()
	if branch == uuid.Nil || len(cur) != 1 || cur[0].Value.Branch != branch {
		var parent Version
		if len(cur) == 1 {
			parent = cur[0].Value
		}
		branch = uuid.New()
		history = BranchHistory{}
		history.Merge(s.mu.meta.history)
		history[branch] = BranchBirth{Parent: parent}
		log.VEventf(ctx, 1, "starting branch %s off %s", redactBranch(branch), parent)
	}
	ts := s.mu.lastTimestamp + 1
	rec.Recency = ts
	writes := []pendingWrite{{key: key.Clone(), rec: rec}}
	versions := NewVersionMap(s.region, Version{Branch: branch, Timestamp: ts})
	if err := s.commitLocked(writes, versions, branch, history); err != nil {
		return 0, errors.Wrapf(err, "writing %s", key)
	}
	return ts, nil
}

// Read returns the value of key once the store reached minTimestamp.
func (s *Store) Read(ctx context.Context, key keys.Key, minTimestamp uint64) ([]byte, bool, error) {
	if err := s.timestamps.Wait(ctx, minTimestamp); err != nil {
		return nil, false, err
	}
	exit := s.exitRead(ctx, s.source.EnterRead())
	defer exit.End()
	rec, ok, err := s.engine.Get(key)
	if err != nil || !ok || rec.Deleted {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// Timestamp returns the timestamp of the latest write the store holds.
func (s *Store) Timestamp() uint64 {
	return s.timestamps.Current()
}

// Scan calls fn with every key in r, deletions included, in key order.
func (s *Store) Scan(ctx context.Context, r keys.Range, fn func(Item) error) error {
	exit := s.exitRead(ctx, s.source.EnterRead())
	defer exit.End()
	return s.engine.Scan(r, func(k keys.Key, rec Record) error {
		return fn(Item{Key: k, Value: rec.Value, Deleted: rec.Deleted, Recency: rec.Recency})
	})
}

// SendBackfillPre implements StoreView.
func (s *Store) SendBackfillPre(
	ctx context.Context, startPoint *VersionMap, consumer PreItemConsumer,
) error {
	domain := startPoint.Domain()
	if !s.region.ContainsRange(domain) {
		panic(errors.AssertionFailedf("pre-items requested for %s outside of %s", domain, s.region))
	}
	exit := s.exitRead(ctx, s.source.EnterRead())
	defer exit.End()

	var n int
	var aborted bool
	var err error
	startPoint.Visit(domain, func(sub keys.Range, v Version) bool {
		err = s.engine.Scan(sub, func(k keys.Key, rec Record) error {
			if n++; n%scanCheckInterval == 0 && ctx.Err() != nil {
				return signal.Interrupted(ctx)
			}
			if rec.Recency <= v.Timestamp {
				return nil
			}
			if consumer.OnPreItem(ctx, PreItem{Key: k, Recency: rec.Recency}) == Abort {
				aborted = true
				return iterutil.StopIteration()
			}
			return nil
		})
		if err != nil || aborted {
			return false
		}
		if consumer.OnEmptyRange(ctx, sub.Right) == Abort {
			aborted = true
			return false
		}
		return true
	})
	return err
}

// SendBackfill implements StoreView.
func (s *Store) SendBackfill(
	ctx context.Context, startPoint *VersionMap, preItems *ItemSeq[PreItem], consumer ItemConsumer,
) error {
	domain := startPoint.Domain()
	if !s.region.ContainsRange(domain) {
		panic(errors.AssertionFailedf("items requested for %s outside of %s", domain, s.region))
	}
	if !preItems.Left().Equal(domain.LeftBound()) {
		panic(errors.AssertionFailedf("pre-items start at %s, not at %s", preItems.Left(), domain.Left))
	}
	bound := keys.MinBound(preItems.Right(), domain.Right)
	exit := s.exitRead(ctx, s.source.EnterRead())
	defer exit.End()
	s.mu.RLock()
	metainfo := s.mu.meta.versions.Clone()
	s.mu.RUnlock()

	pre := preItems.Items()
	var n int
	var aborted bool
	emit := func(it Item) error {
		if consumer.OnItem(ctx, metainfo, it) == Abort {
			aborted = true
			return iterutil.StopIteration()
		}
		return nil
	}
	// A key named by a pre-item that this store does not have is sent as a
	// deletion.
	emitMissing := func(k keys.Key) error {
		return emit(Item{Key: k, Deleted: true})
	}

	var err error
	startPoint.Visit(keys.RangeFrom(domain.LeftBound(), bound), func(sub keys.Range, v Version) bool {
		err = s.engine.Scan(sub, func(k keys.Key, rec Record) error {
			if n++; n%scanCheckInterval == 0 && ctx.Err() != nil {
				return signal.Interrupted(ctx)
			}
			for len(pre) > 0 && pre[0].Key.Less(k) {
				if err := emitMissing(pre[0].Key); err != nil {
					return err
				}
				pre = pre[1:]
			}
			named := len(pre) > 0 && pre[0].Key.Equal(k)
			if !named && rec.Recency <= v.Timestamp {
				return nil
			}
			if err := emit(Item{Key: k, Value: rec.Value, Deleted: rec.Deleted, Recency: rec.Recency}); err != nil {
				return err
			}
			if named {
				pre = pre[1:]
			}
			return nil
		})
		if err != nil || aborted {
			return false
		}
		for len(pre) > 0 && sub.Contains(pre[0].Key) {
			if emitMissing(pre[0].Key) != nil {
				return false
			}
			pre = pre[1:]
		}
		if consumer.OnEmptyRange(ctx, metainfo, sub.Right) == Abort {
			aborted = true
			return false
		}
		return true
	})
	return err
}

// ReceiveBackfill implements StoreView.
func (s *Store) ReceiveBackfill(ctx context.Context, r keys.Range, producer ItemProducer) error {
	if !s.region.ContainsRange(r) {
		panic(errors.AssertionFailedf("backfill of %s outside of %s", r, s.region))
	}
	buf, err := s.applyBufs.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.applyBufs.Release(buf)

	pos := r.LeftBound()
	for {
		if ctx.Err() != nil {
			return signal.Interrupted(ctx)
		}
		buf.writes = buf.writes[:0]
		applied := pos
		aborted := false
		for len(buf.writes) < s.applyBatchSize {
			p, cont := producer.NextItem()
			if cont == Abort {
				aborted = true
				break
			}
			if p.IsItem {
				k := p.Item.Key
				if !r.Contains(k) || keys.MakeRightBound(k).Less(applied) {
					panic(errors.AssertionFailedf("item %s out of order (applied up to %s in %s)", k, applied, r))
				}
				buf.writes = append(buf.writes, pendingWrite{key: k, rec: Record{
					Value: p.Item.Value, Deleted: p.Item.Deleted, Recency: p.Item.Recency,
				}})
				applied = keys.MakeRightBound(k.Next())
			} else {
				if p.Edge.Less(applied) || r.Right.Less(p.Edge) {
					panic(errors.AssertionFailedf("edge %s out of order (applied up to %s in %s)", p.Edge, applied, r))
				}
				applied = p.Edge
			}
		}
		if applied.Equal(pos) {
			if aborted {
				return nil
			}
			continue
		}
		span := keys.RangeFrom(pos, applied)
		if err := s.applyBatch(ctx, span, buf.writes, producer.Metainfo(span)); err != nil {
			return errors.Wrapf(err, "applying backfill of %s", span)
		}
		producer.OnCommit(ctx, applied)
		pos = applied
		if aborted {
			return nil
		}
	}
}

func (s *Store) applyBatch(
	ctx context.Context, span keys.Range, writes []pendingWrite, versions *VersionMap,
) error {
	exit := s.exitWrite(ctx, s.source.EnterWrite())
	defer exit.End()
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.mu.meta.versions.Clone()
	versions.Visit(span, func(sub keys.Range, v Version) bool {
		next.Update(sub, v)
		return true
	})
	CoalesceVersions(next)
	if log.V(2) {
		log.Infof(ctx, "applying %d items in %s", len(writes), span)
	}
	return s.commitLocked(writes, next, s.mu.meta.branch, s.mu.meta.history)
}

// Close closes the underlying engine.
func (s *Store) Close() error {
	s.writeQuota.Close("store closed")
	return s.engine.Close()
}

func redactBranch(id uuid.UUID) string {
	return id.String()[:8]
}
