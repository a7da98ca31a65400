// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package backfill

import (
	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/rpc/mailbox"
	"github.com/cockroachdb/backfill/pkg/storage"
	"github.com/cockroachdb/backfill/pkg/util/fifoenforcer"
	"github.com/cockroachdb/redact"
)

// The protocol runs over four ordered channels, each made of a mailbox on
// the receiving end and a fifoenforcer Source/Sink pair:
//
//	backfillee -> backfiller: session (BeginSession, AckItems, EndSession, Deregister)
//	backfillee -> backfiller: pre-items (PreItems)
//	backfiller -> backfillee: session (Items, AckEndSession)
//	backfiller -> backfillee: pre-item acks (AckPreItems)
//
// Registration (Intro1, Intro2) happens before the channels exist and is
// not ordered.

// BackfilleeAddresses are the mailboxes of a backfillee.
type BackfilleeAddresses struct {
	Session     mailbox.Address
	AckPreItems mailbox.Address
	Intro       mailbox.Address
}

// BackfillerAddresses are the mailboxes a backfiller sets up for one peer.
type BackfillerAddresses struct {
	Session  mailbox.Address
	PreItems mailbox.Address
}

// Intro1 registers a backfillee with a backfiller.
type Intro1 struct {
	Addresses BackfilleeAddresses
	// Region is the backfillee's region, which the backfiller's must
	// contain.
	Region keys.Range
	// InitialVersion is the metainfo of the backfillee's store.
	InitialVersion *storage.VersionMap
	// History covers every branch InitialVersion refers to.
	History storage.BranchHistory
}

// Intro2 answers Intro1.
type Intro2 struct {
	Addresses BackfillerAddresses
	// CommonVersion gives, for every part of the backfillee's region, the
	// latest version both stores descend from.
	CommonVersion *storage.VersionMap
	// History covers every branch of the backfiller's store.
	History storage.BranchHistory
}

// BackfillerMessage is a message on the backfiller's session channel.
type BackfillerMessage interface {
	token() fifoenforcer.WriteToken
	backfillerMessage()
}

// BeginSession asks the backfiller to stream items starting at Threshold.
type BeginSession struct {
	Token     fifoenforcer.WriteToken
	Threshold keys.RightBound
}

// AckItems tells the backfiller that the backfillee applied MemSize bytes
// of items and everything before Threshold.
type AckItems struct {
	Token     fifoenforcer.WriteToken
	MemSize   int64
	Threshold keys.RightBound
}

// EndSession asks the backfiller to stop streaming. It answers with
// AckEndSession once its last Items message for the session is sent.
type EndSession struct {
	Token fifoenforcer.WriteToken
}

// Deregister tells the backfiller to drop the backfillee.
type Deregister struct {
	Token fifoenforcer.WriteToken
}

// PreItems carries a chunk of the backfillee's pre-items.
type PreItems struct {
	Token fifoenforcer.WriteToken
	Items storage.ItemSeq[storage.PreItem]
}

// BackfilleeMessage is a message on the backfillee's session channel.
type BackfilleeMessage interface {
	token() fifoenforcer.WriteToken
	backfilleeMessage()
}

// Items carries a chunk of items along with the versions the backfillee's
// store takes on once they are applied. Metainfo covers the same range as
// Items.
type Items struct {
	Token    fifoenforcer.WriteToken
	Metainfo *storage.VersionMap
	Items    storage.ItemSeq[storage.Item]
}

// AckEndSession answers EndSession.
type AckEndSession struct {
	Token fifoenforcer.WriteToken
}

// AckPreItems tells the backfillee that the backfiller dropped MemSize bytes
// of pre-items.
type AckPreItems struct {
	Token   fifoenforcer.WriteToken
	MemSize int64
}

func (m *BeginSession) token() fifoenforcer.WriteToken  { return m.Token }
func (m *AckItems) token() fifoenforcer.WriteToken      { return m.Token }
func (m *EndSession) token() fifoenforcer.WriteToken    { return m.Token }
func (m *Deregister) token() fifoenforcer.WriteToken    { return m.Token }
func (m *Items) token() fifoenforcer.WriteToken         { return m.Token }
func (m *AckEndSession) token() fifoenforcer.WriteToken { return m.Token }

func (*BeginSession) backfillerMessage()  {}
func (*AckItems) backfillerMessage()      {}
func (*EndSession) backfillerMessage()    {}
func (*Deregister) backfillerMessage()    {}
func (*Items) backfilleeMessage()         {}
func (*AckEndSession) backfilleeMessage() {}

// SafeFormat implements redact.SafeFormatter.
func (m *Items) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("items %s: %s", m.Token, &m.Items)
}

func (m *Items) String() string { return redact.StringWithoutMarkers(m) }

// SafeFormat implements redact.SafeFormatter.
func (m *PreItems) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("pre_items %s: %s", m.Token, &m.Items)
}

func (m *PreItems) String() string { return redact.StringWithoutMarkers(m) }
