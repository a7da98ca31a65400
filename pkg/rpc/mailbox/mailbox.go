// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package mailbox implements named endpoints that messages are sent to.
//
// Delivery is reliable as long as the destination mailbox exists, but
// messages are handed to handlers concurrently and in no particular order.
// Protocols that need ordering carry fifoenforcer tokens in their messages.
package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/backfill/pkg/util/log"
	"github.com/cockroachdb/backfill/pkg/util/stop"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/backfill/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/fifo"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/google/uuid"
)

// ErrUnknownMailbox is returned when sending to an address that has no
// mailbox, either because it never existed or because it was closed.
var ErrUnknownMailbox = errors.New("unknown mailbox")

// Address names a mailbox. The zero Address names no mailbox.
type Address struct {
	ID uuid.UUID
}

// IsNil returns whether a is the zero Address.
func (a Address) IsNil() bool { return a.ID == uuid.Nil }

// SafeFormat implements redact.SafeFormatter.
func (a Address) SafeFormat(w redact.SafePrinter, _ rune) {
	w.SafeString(redact.SafeString(a.ID.String()[:8]))
}

func (a Address) String() string { return redact.StringWithoutMarkers(a) }

// TestingKnobs can be passed to NewManager to alter delivery.
type TestingKnobs struct {
	// DeliveryDelay, if set, is consulted for every message; a positive
	// result holds the message back for that long. This lets tests deliver
	// messages out of order.
	DeliveryDelay func(dest Address, msg interface{}) time.Duration
}

type deliverer interface {
	deliver(msg interface{})
}

// Manager keeps track of the mailboxes of a process and delivers messages
// between them.
type Manager struct {
	stopper *stop.Stopper
	knobs   TestingKnobs
	metrics Metrics

	mu struct {
		syncutil.RWMutex
		boxes map[uuid.UUID]deliverer
	}
}

// NewManager creates a Manager. Handlers and delayed deliveries run as
// tasks of stopper.
func NewManager(stopper *stop.Stopper, knobs *TestingKnobs) *Manager {
	m := &Manager{stopper: stopper, metrics: makeMetrics()}
	if knobs != nil {
		m.knobs = *knobs
	}
	m.mu.boxes = map[uuid.UUID]deliverer{}
	return m
}

// Metrics returns the manager's metrics.
func (m *Manager) Metrics() *Metrics { return &m.metrics }

func (m *Manager) lookup(addr Address) deliverer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mu.boxes[addr.ID]
}

// Send sends msg to the mailbox at addr without blocking. A message for an
// unknown mailbox is dropped and ErrUnknownMailbox is returned; callers
// usually only log it, since a mailbox disappearing is how a peer going
// away looks from here.
//
// ctx only carries log tags: once Send returns, the message is in flight
// and canceling ctx does not take it back.
func Send[M any](ctx context.Context, m *Manager, addr Address, msg M) error {
	m.metrics.Sent.Inc()
	if d := m.knobs.DeliveryDelay; d != nil {
		if delay := d(addr, msg); delay > 0 {
			ctx = context.WithoutCancel(ctx)
			return m.stopper.RunAsyncTask(ctx, "mailbox-delayed-delivery", func(ctx context.Context) {
				var t timeutil.Timer
				defer t.Stop()
				t.Reset(delay)
				select {
				case <-t.C:
					t.Read = true
				case <-ctx.Done():
					// The stopper is quiescing.
					m.metrics.Dropped.Inc()
					return
				}
				if err := m.deliver(addr, msg); err != nil {
					log.VEventf(ctx, 2, "dropping delayed message to %s: %v", addr, err)
				}
			})
		}
	}
	return m.deliver(addr, msg)
}

func (m *Manager) deliver(addr Address, msg interface{}) error {
	box := m.lookup(addr)
	if box == nil {
		m.metrics.Dropped.Inc()
		return errors.Wrapf(ErrUnknownMailbox, "sending to %s", addr)
	}
	box.deliver(msg)
	return nil
}

// Mailbox receives messages of type M and hands them to its handler.
type Mailbox[M any] struct {
	m           *Manager
	addr        Address
	name        string
	handler     func(ctx context.Context, msg M)
	concurrency int

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	pool fifo.QueueBackingPool[M]
	mu   struct {
		syncutil.Mutex
		inbox   fifo.Queue[M]
		workers int
		closed  bool
	}
}

// Register creates a mailbox named name (for logging) which hands messages
// to handler, running at most concurrency handlers at once. A concurrency of
// zero runs one handler per message; handlers that block until other
// messages of the same mailbox were handled need that. The handler's context
// carries a "mailbox" log tag and is canceled when the mailbox is closed.
func Register[M any](
	ctx context.Context,
	m *Manager,
	name string,
	concurrency int,
	handler func(ctx context.Context, msg M),
) *Mailbox[M] {
	mb := &Mailbox[M]{
		m:           m,
		addr:        Address{ID: uuid.New()},
		name:        name,
		handler:     handler,
		concurrency: concurrency,
		pool:        fifo.MakeQueueBackingPool[M](),
	}
	mb.mu.inbox = fifo.MakeQueue[M](&mb.pool)
	mb.ctx, mb.cancel = context.WithCancel(logtags.AddTag(ctx, "mailbox", name))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.boxes[mb.addr.ID] = mb
	m.metrics.Registered.Inc()
	return mb
}

// Address returns the address messages to this mailbox are sent to.
func (mb *Mailbox[M]) Address() Address { return mb.addr }

func (mb *Mailbox[M]) deliver(raw interface{}) {
	msg, ok := raw.(M)
	if !ok {
		panic(errors.AssertionFailedf("mailbox %s received %T", redact.Safe(mb.name), raw))
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.mu.closed {
		mb.m.metrics.Dropped.Inc()
		return
	}
	mb.mu.inbox.PushBack(msg)
	if mb.concurrency > 0 && mb.mu.workers >= mb.concurrency {
		return
	}
	mb.mu.workers++
	mb.wg.Add(1)
	if err := mb.m.stopper.RunAsyncTask(mb.ctx, "mailbox-handler", mb.work); err != nil {
		mb.mu.workers--
		mb.wg.Done()
	}
}

// work hands out messages until the inbox is empty.
func (mb *Mailbox[M]) work(ctx context.Context) {
	defer mb.wg.Done()
	for {
		mb.mu.Lock()
		if mb.mu.inbox.Len() == 0 || mb.mu.closed {
			mb.mu.workers--
			mb.mu.Unlock()
			return
		}
		msg := *mb.mu.inbox.PeekFront()
		mb.mu.inbox.PopFront()
		mb.mu.Unlock()

		mb.m.metrics.Delivered.Inc()
		mb.handler(ctx, msg)
	}
}

// Close removes the mailbox from its manager, drops undelivered messages
// and waits for running handlers to return. Handlers see their context
// canceled.
func (mb *Mailbox[M]) Close() {
	for range mb.CloseAndDrain() {
		mb.m.metrics.Dropped.Inc()
	}
}

// CloseAndDrain is like Close but returns the messages that were queued and
// not yet handed to the handler, in arrival order, instead of dropping them.
// Messages arriving later are dropped.
func (mb *Mailbox[M]) CloseAndDrain() []M {
	mb.m.mu.Lock()
	if _, ok := mb.m.mu.boxes[mb.addr.ID]; ok {
		delete(mb.m.mu.boxes, mb.addr.ID)
		mb.m.metrics.Registered.Dec()
	}
	mb.m.mu.Unlock()

	var undelivered []M
	mb.mu.Lock()
	mb.mu.closed = true
	for mb.mu.inbox.Len() > 0 {
		undelivered = append(undelivered, *mb.mu.inbox.PeekFront())
		mb.mu.inbox.PopFront()
	}
	mb.mu.Unlock()
	mb.cancel()
	mb.wg.Wait()
	return undelivered
}
