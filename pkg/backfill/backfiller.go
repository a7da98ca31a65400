// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package backfill

import (
	"context"
	"time"

	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/rpc/mailbox"
	"github.com/cockroachdb/backfill/pkg/storage"
	"github.com/cockroachdb/backfill/pkg/util/fifoenforcer"
	"github.com/cockroachdb/backfill/pkg/util/log"
	"github.com/cockroachdb/backfill/pkg/util/quotapool"
	"github.com/cockroachdb/backfill/pkg/util/signal"
	"github.com/cockroachdb/backfill/pkg/util/stop"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
)

const (
	// itemTrickleFraction is the share of item bytes released while the
	// item budget is over capacity that lets waiting sessions in early.
	itemTrickleFraction = 0.5
	// slowItemBudgetThreshold is how long a session waits for item budget
	// before it is logged.
	slowItemBudgetThreshold = 10 * time.Second
)

// BackfillerStore is the store a Backfiller serves from.
type BackfillerStore interface {
	storage.StoreView
	storage.BranchHistoryManager
}

// BackfillerConfig configures a Backfiller.
type BackfillerConfig struct {
	Store   BackfillerStore
	Manager *mailbox.Manager
	Stopper *stop.Stopper
	Config  Config
	Metrics *Metrics
}

// Backfiller serves backfills out of its store to any number of
// backfillees. Backfillees find it through Address.
type Backfiller struct {
	ctx     context.Context
	store   BackfillerStore
	mgr     *mailbox.Manager
	stopper *stop.Stopper
	cfg     Config
	metrics *Metrics

	// itemBudget bounds the item bytes sent and not yet applied, across
	// peers.
	itemBudget   *quotapool.AdjustablePool
	registration *mailbox.Mailbox[*Intro1]
	warnEvery    *log.EveryN

	mu struct {
		syncutil.Mutex
		peers  map[*peer]struct{}
		closed bool
	}
}

// NewBackfiller creates a Backfiller and registers its mailbox.
func NewBackfiller(ctx context.Context, cfg BackfillerConfig) (*Backfiller, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	b := &Backfiller{
		store:     cfg.Store,
		mgr:       cfg.Manager,
		stopper:   cfg.Stopper,
		cfg:       cfg.Config,
		metrics:   cfg.Metrics,
		warnEvery: log.Every(10 * time.Second),
	}
	if b.metrics == nil {
		b.metrics = MakeMetrics()
	}
	ctx = logtags.AddTag(ctx, "backfiller", nil)
	b.ctx = logtags.WithTags(context.Background(), logtags.FromContext(ctx))
	b.mu.peers = map[*peer]struct{}{}
	b.itemBudget = quotapool.NewAdjustablePool("backfiller-items",
		int64(b.cfg.ItemPipelineSize), itemTrickleFraction,
		quotapool.OnSlowAcquisition(slowItemBudgetThreshold, quotapool.LogSlowAcquisition))
	b.registration = mailbox.Register(b.ctx, b.mgr, "backfiller-registration",
		b.cfg.HandlerConcurrency, b.handleIntro)
	log.VEventf(ctx, 1, "serving backfills of %s", b.store.Region())
	return b, nil
}

// Address returns the address backfillees register with.
func (b *Backfiller) Address() mailbox.Address {
	return b.registration.Address()
}

// SetItemPipelineSize changes the item budget. Shrinking it below what is
// in flight does not revoke anything, but holds back new items until the
// budget is honored again.
func (b *Backfiller) SetItemPipelineSize(n int64) {
	b.itemBudget.SetCapacity(n)
}

// NumPeers returns the number of registered backfillees.
func (b *Backfiller) NumPeers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mu.peers)
}

// Close drops all backfillees and stops serving new ones.
func (b *Backfiller) Close() {
	b.registration.Close()
	b.mu.Lock()
	b.mu.closed = true
	peers := make([]*peer, 0, len(b.mu.peers))
	for p := range b.mu.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	b.itemBudget.Close("backfiller closed")
}

func (b *Backfiller) handleIntro(ctx context.Context, m *Intro1) {
	region := b.store.Region()
	if !region.ContainsRange(m.Region) {
		log.Errorf(ctx, "refusing backfillee for %s outside of %s", m.Region, region)
		return
	}
	if !m.InitialVersion.Domain().Equal(m.Region) {
		panic(errors.AssertionFailedf("initial version covers %s, not %s",
			m.InitialVersion.Domain(), m.Region))
	}
	own, err := b.store.GetMetainfo(ctx, b.store.NewReadToken(), m.Region)
	if err != nil {
		log.Errorf(ctx, "reading metainfo of %s: %v", m.Region, err)
		return
	}
	history := storage.BranchHistory{}
	b.store.ExportBranchHistory(own, history)
	merged := storage.BranchHistory{}
	merged.Merge(history)
	merged.Merge(m.History)
	common := storage.CommonVersionMap(m.InitialVersion, own, merged)

	p := newPeer(b, m, common)
	b.mu.Lock()
	if b.mu.closed {
		b.mu.Unlock()
		p.close()
		return
	}
	b.mu.peers[p] = struct{}{}
	b.mu.Unlock()

	reply := &Intro2{Addresses: p.addresses(), CommonVersion: common, History: history}
	if err := mailbox.Send(ctx, b.mgr, m.Addresses.Intro, reply); err != nil {
		log.Warningf(ctx, "answering registration: %v", err)
		p.close()
		return
	}
	log.VEventf(ctx, 1, "registered backfillee for %s at common version %s", m.Region, common)
}

// peer is the backfiller's state for one backfillee.
type peer struct {
	b             *Backfiller
	ctx           context.Context
	cancel        func()
	region        keys.Range
	commonVersion *storage.VersionMap
	dest          BackfilleeAddresses

	sessionSource     fifoenforcer.Source
	ackPreItemsSource fifoenforcer.Source
	sessionSink       *fifoenforcer.Sink
	preItemSink       *fifoenforcer.Sink

	sessionBox *mailbox.Mailbox[BackfillerMessage]
	preItemBox *mailbox.Mailbox[*PreItems]

	mu struct {
		syncutil.Mutex
		// preItems holds the pre-items received and not yet discarded.
		preItems storage.ItemSeq[storage.PreItem]
		// discardTo is the backfillee's threshold. Pre-items before it are
		// discarded as soon as they are received.
		discardTo keys.RightBound
		// preItemsArrived is set while a session waits for pre-items.
		preItemsArrived *signal.Cond
		session         *backfillerSession
		closed          bool
	}
}

// backfillerSession is the backfiller's half of a session.
type backfillerSession struct {
	cancel  func()
	stopped signal.Cond
	// sent holds the item bytes sent and not acknowledged.
	sent *quotapool.IntAlloc
}

func newPeer(b *Backfiller, m *Intro1, common *storage.VersionMap) *peer {
	p := &peer{
		b:             b,
		region:        m.Region,
		commonVersion: common,
		dest:          m.Addresses,
		sessionSink:   fifoenforcer.NewSink(),
		preItemSink:   fifoenforcer.NewSink(),
	}
	p.ctx, p.cancel = context.WithCancel(logtags.AddTag(b.ctx, "peer", m.Addresses.Session))
	p.mu.preItems = storage.MakeItemSeq[storage.PreItem](m.Region.LeftBound())
	p.mu.discardTo = m.Region.LeftBound()
	p.sessionBox = mailbox.Register(p.ctx, b.mgr, "backfiller-session", 0, p.handleSessionMessage)
	p.preItemBox = mailbox.Register(p.ctx, b.mgr, "backfiller-pre-items", 0, p.handlePreItems)
	return p
}

func (p *peer) addresses() BackfillerAddresses {
	return BackfillerAddresses{Session: p.sessionBox.Address(), PreItems: p.preItemBox.Address()}
}

func (p *peer) close() {
	p.mu.Lock()
	if p.mu.closed {
		p.mu.Unlock()
		return
	}
	p.mu.closed = true
	s := p.mu.session
	p.mu.session = nil
	p.mu.Unlock()
	if s != nil {
		p.stopSession(s)
	}
	p.cancel()
	p.sessionBox.Close()
	p.preItemBox.Close()
	p.b.mu.Lock()
	delete(p.b.mu.peers, p)
	p.b.mu.Unlock()
}

func (p *peer) handleSessionMessage(ctx context.Context, msg BackfillerMessage) {
	exit, err := p.sessionSink.ExitWrite(ctx, msg.token())
	if err != nil {
		return
	}
	defer exit.End()
	switch m := msg.(type) {
	case *BeginSession:
		p.beginSession(ctx, m)
	case *AckItems:
		p.ackItems(ctx, m)
	case *EndSession:
		p.endSession(ctx)
	case *Deregister:
		// Closing waits for the running handlers, this one included.
		if err := p.b.stopper.RunAsyncTask(p.b.ctx, "backfiller-deregister", func(context.Context) {
			p.close()
		}); err != nil {
			log.VEventf(ctx, 1, "leaving deregistered peer to shutdown: %v", err)
		}
	default:
		panic(errors.AssertionFailedf("unexpected message %T", msg))
	}
}

func (p *peer) beginSession(ctx context.Context, m *BeginSession) {
	if m.Threshold.Less(p.region.LeftBound()) || p.region.Right.Less(m.Threshold) {
		panic(errors.AssertionFailedf("threshold %s outside of %s", m.Threshold, p.region))
	}
	p.mu.Lock()
	if p.mu.session != nil {
		p.mu.Unlock()
		panic(errors.AssertionFailedf("session began while another one runs"))
	}
	s := &backfillerSession{sent: p.b.itemBudget.ForceAcquire(0)}
	p.mu.session = s
	p.mu.discardTo = keys.MaxBound(p.mu.discardTo, m.Threshold)
	freed := p.trimPreItemsLocked()
	p.mu.Unlock()
	p.ackPreItems(ctx, freed)

	var sctx context.Context
	sctx, s.cancel = context.WithCancel(p.ctx)
	if err := p.b.stopper.RunAsyncTask(sctx, "backfiller-session", func(ctx context.Context) {
		defer s.stopped.Pulse()
		p.runSession(ctx, s, m.Threshold)
	}); err != nil {
		s.stopped.Pulse()
	}
}

func (p *peer) ackItems(ctx context.Context, m *AckItems) {
	p.mu.Lock()
	if s := p.mu.session; s != nil {
		left := s.sent.Count() - m.MemSize
		if left < 0 {
			p.mu.Unlock()
			panic(errors.AssertionFailedf("%d item bytes acknowledged, only %s outstanding",
				m.MemSize, s.sent))
		}
		s.sent.ChangeCount(left)
		p.b.metrics.ItemBytesOutstanding.Sub(float64(m.MemSize))
	}
	p.mu.discardTo = keys.MaxBound(p.mu.discardTo, m.Threshold)
	freed := p.trimPreItemsLocked()
	p.mu.Unlock()
	p.ackPreItems(ctx, freed)
}

func (p *peer) endSession(ctx context.Context) {
	p.mu.Lock()
	s := p.mu.session
	p.mu.session = nil
	p.mu.Unlock()
	if s == nil {
		panic(errors.AssertionFailedf("session ended without beginning"))
	}
	p.stopSession(s)
	if err := p.send(ctx, &AckEndSession{Token: p.sessionSource.EnterWrite()}); err != nil &&
		p.b.warnEvery.ShouldLog() {
		log.Warningf(ctx, "acknowledging end of session: %v", err)
	}
}

// stopSession waits for the session's goroutine and returns its item budget.
// Its last items message is sent by then.
func (p *peer) stopSession(s *backfillerSession) {
	s.cancel()
	<-s.stopped.Done()
	p.mu.Lock()
	n := s.sent.Count()
	s.sent.Release()
	p.mu.Unlock()
	p.b.metrics.ItemBytesOutstanding.Sub(float64(n))
}

func (p *peer) handlePreItems(ctx context.Context, m *PreItems) {
	exit, err := p.preItemSink.ExitWrite(ctx, m.Token)
	if err != nil {
		return
	}
	defer exit.End()
	p.mu.Lock()
	if !m.Items.Left().Equal(p.mu.preItems.Right()) {
		p.mu.Unlock()
		panic(errors.AssertionFailedf("%s does not continue pre-items ending at %s",
			m, p.mu.preItems.Right()))
	}
	p.mu.preItems.Concat(m.Items)
	freed := p.trimPreItemsLocked()
	if c := p.mu.preItemsArrived; c != nil {
		p.mu.preItemsArrived = nil
		c.Pulse()
	}
	p.mu.Unlock()
	p.ackPreItems(ctx, freed)
}

// trimPreItemsLocked discards the pre-items before discardTo and returns
// their size.
func (p *peer) trimPreItemsLocked() int64 {
	pre := &p.mu.preItems
	to := keys.MinBound(p.mu.discardTo, pre.Right())
	if !pre.Left().Less(to) {
		return 0
	}
	before := pre.MemSize()
	pre.DeleteToKey(to)
	return before - pre.MemSize()
}

func (p *peer) ackPreItems(ctx context.Context, n int64) {
	if n == 0 {
		return
	}
	msg := &AckPreItems{Token: p.ackPreItemsSource.EnterWrite(), MemSize: n}
	if err := mailbox.Send(ctx, p.b.mgr, p.dest.AckPreItems, msg); err != nil {
		log.VEventf(ctx, 1, "acknowledging pre-items: %v", err)
	}
}

func (p *peer) send(ctx context.Context, msg BackfilleeMessage) error {
	return mailbox.Send(ctx, p.b.mgr, p.dest.Session, msg)
}

// runSession streams items from start to the end of the region, one chunk
// at a time, as pre-items and item budget permit.
func (p *peer) runSession(ctx context.Context, s *backfillerSession, start keys.RightBound) {
	chunkSize := int64(p.b.cfg.ItemChunkSize)
	pos := start
	for pos.Less(p.region.Right) {
		pre, err := p.waitForPreItems(ctx, pos, chunkSize)
		if err != nil {
			return
		}
		alloc, err := p.b.itemBudget.Acquire(ctx, chunkSize)
		if err != nil {
			return
		}
		c := itemChunker{limit: chunkSize, seq: storage.MakeItemSeq[storage.Item](pos)}
		startPoint := p.commonVersion.Mask(keys.RangeFrom(pos, p.region.Right))
		if err := p.b.store.SendBackfill(ctx, startPoint, &pre, &c); err != nil {
			alloc.Release()
			if !signal.IsInterrupted(err) {
				log.Errorf(ctx, "reading items at %s: %v", pos, err)
			}
			return
		}
		if c.metainfo == nil {
			panic(errors.AssertionFailedf("no progress backfilling from %s", pos))
		}
		mem := c.seq.MemSize()
		alloc.ChangeCount(mem)
		p.mu.Lock()
		s.sent.TransferIn(alloc)
		p.mu.Unlock()
		p.b.metrics.ItemChunksSent.Inc()
		p.b.metrics.ItemBytesSent.Add(float64(mem))
		p.b.metrics.ItemBytesOutstanding.Add(float64(mem))

		msg := &Items{
			Token:    p.sessionSource.EnterWrite(),
			Metainfo: c.metainfo.Mask(c.seq.Range()),
			Items:    c.seq,
		}
		if log.ExpensiveLogEnabled(ctx, 2) {
			log.Infof(ctx, "sending %s", msg)
		}
		if err := p.send(ctx, msg); err != nil {
			if p.b.warnEvery.ShouldLog() {
				log.Warningf(ctx, "stopped sending items: %v", err)
			}
			return
		}
		pos = c.seq.Right()
	}
	log.VEventf(ctx, 1, "sent all items")
}

// waitForPreItems returns the pre-items from pos on, once some past pos
// have arrived. Pre-items beyond what a chunk of limit bytes can reach are
// left out: every pre-item yields an item at least as large.
func (p *peer) waitForPreItems(
	ctx context.Context, pos keys.RightBound, limit int64,
) (storage.ItemSeq[storage.PreItem], error) {
	for {
		p.mu.Lock()
		pre := &p.mu.preItems
		if pos.Less(pre.Right()) {
			if pos.Less(pre.Left()) {
				p.mu.Unlock()
				panic(errors.AssertionFailedf("pre-items before %s were discarded, need them from %s",
					pre.Left(), pos))
			}
			snap := storage.MakeItemSeq[storage.PreItem](pos)
			complete := true
			for _, it := range pre.Items() {
				if pos.ContainsKey(it.Key) {
					continue
				}
				if snap.MemSize() > limit {
					complete = false
					break
				}
				snap.PushBackItem(it)
			}
			if complete {
				snap.PushBackNothing(pre.Right())
			}
			p.mu.Unlock()
			return snap, nil
		}
		c := p.mu.preItemsArrived
		if c == nil {
			c = &signal.Cond{}
			p.mu.preItemsArrived = c
		}
		p.mu.Unlock()
		if err := signal.WaitInterruptible(ctx, c); err != nil {
			return storage.ItemSeq[storage.PreItem]{}, err
		}
	}
}

// itemChunker collects items up to a size limit, always accepting at least
// one, and remembers the metainfo they were read at.
type itemChunker struct {
	limit    int64
	seq      storage.ItemSeq[storage.Item]
	metainfo *storage.VersionMap
}

var _ storage.ItemConsumer = (*itemChunker)(nil)

func (c *itemChunker) OnItem(
	_ context.Context, metainfo *storage.VersionMap, it storage.Item,
) storage.Continuation {
	if !c.seq.Empty() && c.seq.MemSize()+it.MemSize() > c.limit {
		return storage.Abort
	}
	c.metainfo = metainfo
	c.seq.PushBackItem(it)
	return storage.Continue
}

func (c *itemChunker) OnEmptyRange(
	_ context.Context, metainfo *storage.VersionMap, b keys.RightBound,
) storage.Continuation {
	c.metainfo = metainfo
	c.seq.PushBackNothing(b)
	return storage.Continue
}
