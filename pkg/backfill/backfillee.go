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
	"github.com/google/uuid"
)

// ErrBackfilleeBroken is returned by Go once a previous session of the same
// Backfillee was interrupted or failed. Resume with a new Backfillee and the
// threshold the failed Go returned.
var ErrBackfilleeBroken = errors.New("backfillee is broken by an earlier failed session")

// Callback is notified of the progress of a backfill session.
type Callback interface {
	// OnProgress is called with the versions of a part of the region that
	// was durably backfilled. Successive calls cover adjacent ranges in key
	// order. Returning false ends the session once the items already being
	// applied are committed.
	OnProgress(ctx context.Context, metainfo *storage.VersionMap) bool
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, metainfo *storage.VersionMap) bool

// OnProgress implements Callback.
func (f CallbackFunc) OnProgress(ctx context.Context, metainfo *storage.VersionMap) bool {
	return f(ctx, metainfo)
}

// BackfilleeStore is the store a Backfillee backfills into.
type BackfilleeStore interface {
	storage.StoreView
	storage.BranchHistoryManager
	ImportBranchHistory(ctx context.Context, h storage.BranchHistory) error
}

// BackfilleeTestingKnobs are used in tests.
type BackfilleeTestingKnobs struct {
	// AfterPreItemsSent is called after every pre_items message with the
	// number of pre-item bytes that have been sent and not acknowledged.
	AfterPreItemsSent func(outstanding int64)
}

// BackfilleeConfig configures a Backfillee.
type BackfilleeConfig struct {
	Store   BackfilleeStore
	Manager *mailbox.Manager
	Stopper *stop.Stopper
	// Backfiller is the registration address of the backfiller.
	Backfiller mailbox.Address
	Config     Config
	Metrics    *Metrics
	Knobs      *BackfilleeTestingKnobs
}

// Backfillee brings its store up to date with a backfiller's store.
//
// From registration until Close, a Backfillee streams pre-items describing
// what its store changed since the version it shares with the backfiller.
// Each call to Go then runs a session in which the backfiller streams back
// items, which are applied in key order. At most one session runs at a
// time.
type Backfillee struct {
	ctx     context.Context
	store   BackfilleeStore
	mgr     *mailbox.Manager
	stopper *stop.Stopper
	cfg     Config
	metrics *Metrics
	knobs   BackfilleeTestingKnobs
	region  keys.Range

	// backfiller is the registration address of the backfiller.
	backfiller mailbox.Address
	// Set by registration.
	peer          BackfillerAddresses
	commonVersion *storage.VersionMap

	sessionSource   fifoenforcer.Source
	preItemSource   fifoenforcer.Source
	sessionSink     *fifoenforcer.Sink
	ackPreItemsSink *fifoenforcer.Sink

	sessionBox     *mailbox.Mailbox[BackfilleeMessage]
	ackPreItemsBox *mailbox.Mailbox[*AckPreItems]
	introBox       *mailbox.Mailbox[*Intro2]
	introArrived   signal.Cond

	preItemPool *quotapool.IntPool
	// closing is pulsed by Close and stops the pre-item sender.
	closing       signal.Cond
	stopSender    func()
	senderStopped signal.Cond
	warnEvery     *log.EveryN
	preItems      struct {
		syncutil.Mutex
		// outstanding holds the pre-item bytes sent and not acknowledged.
		outstanding *quotapool.IntAlloc
	}

	mu struct {
		syncutil.Mutex
		intro   *Intro2
		session *session
		broken  bool
		closed  bool
	}
}

// NewBackfillee registers with the backfiller and starts streaming
// pre-items. It blocks until the backfiller answers or ctx is canceled. ctx
// only bounds registration; the Backfillee lives until Close.
func NewBackfillee(ctx context.Context, cfg BackfilleeConfig) (*Backfillee, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	b := &Backfillee{
		store:           cfg.Store,
		mgr:             cfg.Manager,
		stopper:         cfg.Stopper,
		cfg:             cfg.Config,
		metrics:         cfg.Metrics,
		backfiller:      cfg.Backfiller,
		region:          cfg.Store.Region(),
		sessionSink:     fifoenforcer.NewSink(),
		ackPreItemsSink: fifoenforcer.NewSink(),
		warnEvery:       log.Every(10 * time.Second),
	}
	if b.metrics == nil {
		b.metrics = MakeMetrics()
	}
	if cfg.Knobs != nil {
		b.knobs = *cfg.Knobs
	}
	ctx = logtags.AddTag(ctx, "backfillee", uuid.New().String()[:8])
	b.ctx = logtags.WithTags(context.Background(), logtags.FromContext(ctx))

	// Handlers of the ordered channels block until earlier messages are
	// handled, so they must not share a bounded set of goroutines.
	b.sessionBox = mailbox.Register(b.ctx, b.mgr, "backfillee-session", 0, b.handleSessionMessage)
	b.ackPreItemsBox = mailbox.Register(b.ctx, b.mgr, "backfillee-ack-pre-items", 0, b.handleAckPreItems)
	b.introBox = mailbox.Register(b.ctx, b.mgr, "backfillee-intro", 1, b.handleIntro)

	if err := b.register(ctx); err != nil {
		b.abandonRegistration(ctx)
		return nil, err
	}

	b.preItemPool = quotapool.NewIntPool("backfillee-pre-items", int64(b.cfg.PreItemPipelineSize))
	b.preItems.outstanding = b.preItemPool.ForceAcquire(0)
	var senderCtx context.Context
	senderCtx, b.stopSender = signal.WithCancelOnPulse(b.ctx, &b.closing)
	if err := b.stopper.RunAsyncTask(senderCtx, "backfillee-pre-items", b.sendPreItems); err != nil {
		b.stopSender()
		b.abandonRegistration(ctx)
		return nil, err
	}
	return b, nil
}

// abandonRegistration closes the mailboxes of a Backfillee that will not be
// returned to the caller. If the backfiller's reply was handled or is still
// queued, the backfiller holds a peer for us, which is deregistered. A reply
// arriving later finds no mailbox, and the backfiller drops the peer itself.
func (b *Backfillee) abandonRegistration(ctx context.Context) {
	late := b.introBox.CloseAndDrain()
	b.sessionBox.Close()
	b.ackPreItemsBox.Close()

	b.mu.Lock()
	reply := b.mu.intro
	b.mu.Unlock()
	if reply == nil && len(late) > 0 {
		reply = late[0]
	}
	if reply == nil {
		return
	}
	log.VEventf(ctx, 1, "deregistering after failed registration")
	// ctx may be what failed registration.
	if err := mailbox.Send(b.ctx, b.mgr, reply.Addresses.Session,
		&Deregister{Token: b.sessionSource.EnterWrite()}); err != nil {
		log.VEventf(ctx, 1, "could not deregister: %v", err)
	}
}

// register runs the intro_1/intro_2 exchange.
func (b *Backfillee) register(ctx context.Context) error {
	initial, err := b.store.GetMetainfo(ctx, b.store.NewReadToken(), b.region)
	if err != nil {
		return errors.Wrap(err, "reading initial version")
	}
	history := storage.BranchHistory{}
	b.store.ExportBranchHistory(initial, history)
	intro := &Intro1{
		Addresses: BackfilleeAddresses{
			Session:     b.sessionBox.Address(),
			AckPreItems: b.ackPreItemsBox.Address(),
			Intro:       b.introBox.Address(),
		},
		Region:         b.region,
		InitialVersion: initial,
		History:        history,
	}
	if err := mailbox.Send(ctx, b.mgr, b.backfiller, intro); err != nil {
		return errors.Wrap(err, "registering with backfiller")
	}
	if err := signal.WaitInterruptible(ctx, &b.introArrived); err != nil {
		return err
	}

	b.mu.Lock()
	reply := b.mu.intro
	b.mu.Unlock()
	if !reply.CommonVersion.Domain().Equal(b.region) {
		panic(errors.AssertionFailedf("common version covers %s, not %s",
			reply.CommonVersion.Domain(), b.region))
	}
	if err := b.store.ImportBranchHistory(ctx, reply.History); err != nil {
		return errors.Wrap(err, "importing backfiller branch history")
	}
	b.peer = reply.Addresses
	b.commonVersion = reply.CommonVersion
	log.VEventf(ctx, 1, "registered for %s with common version %s", b.region, b.commonVersion)
	return nil
}

func (b *Backfillee) handleIntro(ctx context.Context, m *Intro2) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.intro != nil {
		log.Warningf(ctx, "ignoring duplicate registration reply")
		return
	}
	b.mu.intro = m
	b.introArrived.Pulse()
}

func (b *Backfillee) handleSessionMessage(ctx context.Context, msg BackfilleeMessage) {
	exit, err := b.sessionSink.ExitWrite(ctx, msg.token())
	if err != nil {
		return
	}
	defer exit.End()
	b.mu.Lock()
	s := b.mu.session
	b.mu.Unlock()
	if s == nil {
		log.VEventf(ctx, 2, "dropping %T without a session", msg)
		return
	}
	switch m := msg.(type) {
	case *Items:
		s.onItems(m)
	case *AckEndSession:
		s.gotAckEndSession.Pulse()
	default:
		panic(errors.AssertionFailedf("unexpected message %T", msg))
	}
}

func (b *Backfillee) handleAckPreItems(ctx context.Context, m *AckPreItems) {
	exit, err := b.ackPreItemsSink.ExitWrite(ctx, m.Token)
	if err != nil {
		return
	}
	defer exit.End()
	b.preItems.Lock()
	defer b.preItems.Unlock()
	left := b.preItems.outstanding.Count() - m.MemSize
	if left < 0 {
		panic(errors.AssertionFailedf("%d pre-item bytes acknowledged, only %s outstanding",
			m.MemSize, b.preItems.outstanding))
	}
	b.preItems.outstanding.ChangeCount(left)
	b.metrics.PreItemBytesOutstanding.Sub(float64(m.MemSize))
}

func (b *Backfillee) sendSession(ctx context.Context, msg BackfillerMessage) error {
	return mailbox.Send(ctx, b.mgr, b.peer.Session, msg)
}

// sendPreItems walks the store's pre-items across the region and sends them
// in chunks, keeping at most PreItemPipelineSize bytes unacknowledged.
func (b *Backfillee) sendPreItems(ctx context.Context) {
	defer b.senderStopped.Pulse()
	chunkSize := int64(b.cfg.PreItemChunkSize)
	pos := b.region.LeftBound()
	for pos.Less(b.region.Right) {
		chunk, err := b.preItemPool.Acquire(ctx, chunkSize)
		if err != nil {
			if !signal.IsInterrupted(err) && b.warnEvery.ShouldLog() {
				log.Warningf(ctx, "stopped sending pre-items: %v", err)
			}
			return
		}
		c := preItemChunker{limit: chunkSize, seq: storage.MakeItemSeq[storage.PreItem](pos)}
		startPoint := b.commonVersion.Mask(keys.RangeFrom(pos, b.region.Right))
		if err := b.store.SendBackfillPre(ctx, startPoint, &c); err != nil {
			chunk.Release()
			if !signal.IsInterrupted(err) {
				log.Errorf(ctx, "reading pre-items at %s: %v", pos, err)
			}
			return
		}
		mem := c.seq.MemSize()
		chunk.ChangeCount(mem)
		b.preItems.Lock()
		b.preItems.outstanding.TransferIn(chunk)
		outstanding := b.preItems.outstanding.Count()
		b.preItems.Unlock()
		b.metrics.PreItemChunksSent.Inc()
		b.metrics.PreItemBytesSent.Add(float64(mem))
		b.metrics.PreItemBytesOutstanding.Add(float64(mem))

		msg := &PreItems{Token: b.preItemSource.EnterWrite(), Items: c.seq}
		if log.ExpensiveLogEnabled(ctx, 2) {
			log.Infof(ctx, "sending %s", msg)
		}
		if err := mailbox.Send(ctx, b.mgr, b.peer.PreItems, msg); err != nil {
			if b.warnEvery.ShouldLog() {
				log.Warningf(ctx, "stopped sending pre-items: %v", err)
			}
			return
		}
		if fn := b.knobs.AfterPreItemsSent; fn != nil {
			fn(outstanding)
		}
		pos = c.seq.Right()
	}
	log.VEventf(ctx, 1, "sent all pre-items")
}

// preItemChunker collects pre-items up to a size limit. It always accepts
// at least one pre-item so that every chunk makes progress.
type preItemChunker struct {
	limit int64
	seq   storage.ItemSeq[storage.PreItem]
}

var _ storage.PreItemConsumer = (*preItemChunker)(nil)

func (c *preItemChunker) OnPreItem(_ context.Context, it storage.PreItem) storage.Continuation {
	if !c.seq.Empty() && c.seq.MemSize()+it.MemSize() > c.limit {
		return storage.Abort
	}
	c.seq.PushBackItem(it)
	return storage.Continue
}

func (c *preItemChunker) OnEmptyRange(_ context.Context, b keys.RightBound) storage.Continuation {
	c.seq.PushBackNothing(b)
	return storage.Continue
}

// Go runs a backfill session starting at threshold, which must lie within
// the region. It returns once the whole region is backfilled, once cb
// returned false, or once ctx is canceled, along with the threshold the
// store was durably backfilled up to. That threshold is returned on error
// too; a later session can resume from it.
//
// An interrupted or failed Go leaves the Backfillee broken.
func (b *Backfillee) Go(
	ctx context.Context, threshold keys.RightBound, cb Callback,
) (keys.RightBound, error) {
	if threshold.Less(b.region.LeftBound()) || b.region.Right.Less(threshold) {
		panic(errors.AssertionFailedf("threshold %s outside of region %s", threshold, b.region))
	}
	b.mu.Lock()
	if b.mu.session != nil {
		b.mu.Unlock()
		panic(errors.AssertionFailedf("backfill session already running"))
	}
	if b.mu.broken || b.mu.closed {
		b.mu.Unlock()
		return threshold, ErrBackfilleeBroken
	}
	s := newSession(b, threshold, cb)
	b.mu.session = s
	b.mu.Unlock()

	ctx = logtags.AddTag(ctx, "session", nil)
	b.metrics.SessionsStarted.Inc()
	log.VEventf(ctx, 1, "starting backfill session at %s", threshold)
	if err := b.sendSession(ctx, &BeginSession{
		Token:     b.sessionSource.EnterWrite(),
		Threshold: threshold,
	}); err != nil {
		return b.abort(ctx, s, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := b.stopper.RunAsyncTask(runCtx, "backfillee-session", s.run); err != nil {
		s.runStopped.Pulse()
		return b.abort(ctx, s, err)
	}
	wait := signal.NewWaitAny(&s.runStopped, &s.callbackReturnedFalse)
	err := signal.WaitInterruptible(ctx, wait)
	wait.Close()
	cancel()
	<-s.runStopped.Done()
	if err == nil && s.runErr != nil && !signal.IsInterrupted(s.runErr) {
		err = s.runErr
	}
	if err != nil {
		return b.abort(ctx, s, err)
	}

	if err := b.sendSession(ctx, &EndSession{Token: b.sessionSource.EnterWrite()}); err != nil {
		return b.abort(ctx, s, err)
	}
	if err := signal.WaitInterruptible(ctx, &s.gotAckEndSession); err != nil {
		return b.abort(ctx, s, err)
	}
	b.mu.Lock()
	b.mu.session = nil
	b.mu.Unlock()
	b.metrics.SessionsCompleted.Inc()
	t := s.threshold()
	log.VEventf(ctx, 1, "backfill session ended at %s", t)
	return t, nil
}

func (b *Backfillee) abort(
	ctx context.Context, s *session, err error,
) (keys.RightBound, error) {
	b.mu.Lock()
	b.mu.session = nil
	b.mu.broken = true
	b.mu.Unlock()
	b.metrics.SessionsAborted.Inc()
	t := s.threshold()
	if signal.IsInterrupted(err) {
		log.VEventf(ctx, 1, "backfill session interrupted at %s", t)
	} else {
		log.Warningf(ctx, "backfill session failed at %s: %v", t, err)
	}
	return t, err
}

// Close stops streaming pre-items and deregisters from the backfiller. It
// must not be called while Go runs.
func (b *Backfillee) Close(ctx context.Context) {
	b.mu.Lock()
	if b.mu.session != nil {
		b.mu.Unlock()
		panic(errors.AssertionFailedf("backfillee closed during a session"))
	}
	if b.mu.closed {
		b.mu.Unlock()
		return
	}
	b.mu.closed = true
	b.mu.Unlock()

	b.closing.Pulse()
	<-b.senderStopped.Done()
	b.stopSender()
	if err := b.sendSession(ctx, &Deregister{Token: b.sessionSource.EnterWrite()}); err != nil {
		log.VEventf(ctx, 1, "could not deregister: %v", err)
	}
	b.closeMailboxes()
	b.preItems.Lock()
	b.metrics.PreItemBytesOutstanding.Sub(float64(b.preItems.outstanding.Count()))
	b.preItems.outstanding.Release()
	b.preItems.Unlock()
	b.preItemPool.Close("backfillee closed")
}

func (b *Backfillee) closeMailboxes() {
	b.sessionBox.Close()
	b.ackPreItemsBox.Close()
	b.introBox.Close()
}

// session is the backfillee's half of a session.
type session struct {
	b  *Backfillee
	cb Callback

	runStopped            signal.Cond
	callbackReturnedFalse signal.Cond
	gotAckEndSession      signal.Cond
	// runErr is set before runStopped is pulsed.
	runErr error

	mu struct {
		syncutil.Mutex
		threshold keys.RightBound
		// items holds what arrived and was not yet handed to the store. It
		// starts where the store stopped consuming.
		items storage.ItemSeq[storage.Item]
		// metainfo covers [threshold, items.Right()).
		metainfo *storage.VersionMap
		// itemsArrived is set while run waits for items.
		itemsArrived *signal.Cond
		// The items handed to the store since the last commit.
		pendingItems int
		pendingBytes int64
	}
}

func newSession(b *Backfillee, threshold keys.RightBound, cb Callback) *session {
	s := &session{b: b, cb: cb}
	s.mu.threshold = threshold
	s.mu.items = storage.MakeItemSeq[storage.Item](threshold)
	s.mu.metainfo = storage.NewVersionMap(keys.RangeFrom(threshold, threshold), storage.ZeroVersion)
	return s
}

func (s *session) threshold() keys.RightBound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.threshold
}

func (s *session) onItems(m *Items) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !m.Items.Left().Equal(s.mu.items.Right()) {
		panic(errors.AssertionFailedf("%s does not continue items ending at %s", m, s.mu.items.Right()))
	}
	if !m.Metainfo.Domain().Equal(m.Items.Range()) {
		panic(errors.AssertionFailedf("%s carries metainfo for %s", m, m.Metainfo.Domain()))
	}
	s.mu.items.Concat(m.Items)
	s.mu.metainfo.ExtendKeysRight(m.Metainfo)
	if c := s.mu.itemsArrived; c != nil {
		s.mu.itemsArrived = nil
		c.Pulse()
	}
}

// run hands items to the store as they arrive until the region is
// backfilled, the callback asked to stop, or the backfiller acknowledged the
// end of the session.
func (s *session) run(ctx context.Context) {
	defer s.runStopped.Pulse()
	right := s.b.region.Right
	for {
		t := s.threshold()
		if t.Equal(right) {
			return
		}
		if err := s.b.store.ReceiveBackfill(ctx, keys.RangeFrom(t, right), (*producer)(s)); err != nil {
			s.runErr = err
			return
		}
		if s.callbackReturnedFalse.IsPulsed() {
			return
		}

		s.mu.Lock()
		if s.mu.threshold.Equal(right) {
			s.mu.Unlock()
			return
		}
		if s.mu.items.Left().Less(s.mu.items.Right()) {
			s.mu.Unlock()
			continue
		}
		if s.gotAckEndSession.IsPulsed() {
			s.mu.Unlock()
			return
		}
		arrived := &signal.Cond{}
		s.mu.itemsArrived = arrived
		s.mu.Unlock()

		wait := signal.NewWaitAny(arrived, &s.gotAckEndSession)
		err := signal.WaitInterruptible(ctx, wait)
		wait.Close()
		if err != nil {
			s.runErr = err
			return
		}
	}
}

// producer feeds a session's buffered items to the store.
type producer session

var _ storage.ItemProducer = (*producer)(nil)

// NextItem implements storage.ItemProducer.
func (p *producer) NextItem() (storage.Produced, storage.Continuation) {
	s := (*session)(p)
	if s.callbackReturnedFalse.IsPulsed() {
		return storage.Produced{}, storage.Abort
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mu.items.Empty() {
		it := s.mu.items.PopFront()
		s.mu.pendingItems++
		s.mu.pendingBytes += it.MemSize()
		return storage.Produced{IsItem: true, Item: it}, storage.Continue
	}
	if s.mu.items.Left().Less(s.mu.items.Right()) {
		edge := s.mu.items.Right()
		s.mu.items.DeleteToKey(edge)
		return storage.Produced{Edge: edge}, storage.Continue
	}
	return storage.Produced{}, storage.Abort
}

// Metainfo implements storage.ItemProducer.
func (p *producer) Metainfo(r keys.Range) *storage.VersionMap {
	s := (*session)(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.metainfo.Mask(r)
}

// OnCommit implements storage.ItemProducer.
func (p *producer) OnCommit(ctx context.Context, threshold keys.RightBound) {
	s := (*session)(p)
	s.mu.Lock()
	prev := s.mu.threshold
	if !prev.Less(threshold) {
		s.mu.Unlock()
		panic(errors.AssertionFailedf("threshold moved from %s to %s", prev, threshold))
	}
	applied := s.mu.metainfo.Mask(keys.RangeFrom(prev, threshold))
	s.mu.metainfo = s.mu.metainfo.Mask(keys.RangeFrom(threshold, s.mu.metainfo.Domain().Right))
	s.mu.threshold = threshold
	n, mem := s.mu.pendingItems, s.mu.pendingBytes
	s.mu.pendingItems, s.mu.pendingBytes = 0, 0
	s.mu.Unlock()

	s.b.metrics.ItemsApplied.Add(float64(n))
	s.b.metrics.ItemBytesApplied.Add(float64(mem))
	if err := s.b.sendSession(ctx, &AckItems{
		Token:     s.b.sessionSource.EnterWrite(),
		MemSize:   mem,
		Threshold: threshold,
	}); err != nil && s.b.warnEvery.ShouldLog() {
		log.Warningf(ctx, "acknowledging items up to %s: %v", threshold, err)
	}
	if !s.cb.OnProgress(ctx, applied) {
		s.callbackReturnedFalse.PulseIfNotAlreadyPulsed()
	}
}
