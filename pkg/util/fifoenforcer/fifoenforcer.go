// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package fifoenforcer serializes operations that travel over an unordered
// transport back into the order in which they were issued.
//
// A Source hands out tokens when operations are issued. A Sink admits the
// operations carrying those tokens in issue order, no matter in which order
// they arrive. Reads issued between two writes may run concurrently with
// each other; a write waits for every read issued before it, and every read
// waits for the write issued before it.
package fifoenforcer

import (
	"context"

	"github.com/cockroachdb/backfill/pkg/util/signal"
	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// State is the position of a source or a sink in the token sequence:
// the number of writes issued (or exited) and the number of reads issued
// (or exited) since the last write.
type State struct {
	Timestamp uint64
	NumReads  uint64
}

// ReadToken is issued by Source.EnterRead.
type ReadToken struct {
	Timestamp uint64
}

// WriteToken is issued by Source.EnterWrite.
type WriteToken struct {
	Timestamp         uint64
	NumPrecedingReads uint64
}

// SafeFormat implements redact.SafeFormatter.
func (t WriteToken) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("w%d/%d", t.Timestamp, t.NumPrecedingReads)
}

func (t WriteToken) String() string { return redact.StringWithoutMarkers(t) }

// Source issues tokens. It is safe for concurrent use, but callers that need
// a meaningful order must issue tokens in that order.
type Source struct {
	mu struct {
		syncutil.Mutex
		state State
	}
}

// EnterRead issues a read token.
func (s *Source) EnterRead() ReadToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.state.NumReads++
	return ReadToken{Timestamp: s.mu.state.Timestamp}
}

// EnterWrite issues a write token.
func (s *Source) EnterWrite() WriteToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := WriteToken{
		Timestamp:         s.mu.state.Timestamp,
		NumPrecedingReads: s.mu.state.NumReads,
	}
	s.mu.state.Timestamp++
	s.mu.state.NumReads = 0
	return tok
}

// State returns the position of the source.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.state
}

type waiter struct {
	admitted signal.Cond
	// numPrecedingReads is only set for writers.
	numPrecedingReads uint64
}

// Sink admits operations in the order their tokens were issued by the
// corresponding Source.
type Sink struct {
	mu struct {
		syncutil.Mutex
		state State
		// readers and writers hold the operations which arrived before their
		// turn, keyed by token timestamp.
		readers map[uint64][]*waiter
		writers map[uint64]*waiter
		// writing is set while an admitted write has not ended.
		writing bool
	}
}

// NewSink returns a Sink in the initial state, matching a fresh Source.
func NewSink() *Sink {
	s := &Sink{}
	s.mu.readers = map[uint64][]*waiter{}
	s.mu.writers = map[uint64]*waiter{}
	return s
}

// ReadExit is held while an admitted read runs. End must be called exactly
// once.
type ReadExit struct {
	sink  *Sink
	ended bool
}

// WriteExit is held while an admitted write runs. End must be called exactly
// once.
type WriteExit struct {
	sink  *Sink
	token WriteToken
	ended bool
}

// ExitRead blocks until every write issued before tok has ended, and returns
// a handle to end the read. If ctx is canceled first, the read is withdrawn
// from the sink as if it had never arrived and an interruption error is
// returned.
func (s *Sink) ExitRead(ctx context.Context, tok ReadToken) (*ReadExit, error) {
	s.mu.Lock()
	if tok.Timestamp < s.mu.state.Timestamp {
		s.mu.Unlock()
		panic(errors.AssertionFailedf("read token %d already passed (sink at %d)",
			tok.Timestamp, s.mu.state.Timestamp))
	}
	if tok.Timestamp == s.mu.state.Timestamp && !s.mu.writing {
		s.mu.Unlock()
		return &ReadExit{sink: s}, nil
	}
	w := &waiter{}
	s.mu.readers[tok.Timestamp] = append(s.mu.readers[tok.Timestamp], w)
	s.mu.Unlock()

	exit := &ReadExit{sink: s}
	if err := signal.WaitInterruptible(ctx, &w.admitted); err != nil {
		s.mu.Lock()
		if !w.admitted.IsPulsed() {
			s.removeReaderLocked(tok.Timestamp, w)
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()
		exit.End()
		return nil, err
	}
	return exit, nil
}

func (s *Sink) removeReaderLocked(ts uint64, w *waiter) {
	rs := s.mu.readers[ts]
	for i, other := range rs {
		if other == w {
			rs = append(rs[:i], rs[i+1:]...)
			break
		}
	}
	if len(rs) == 0 {
		delete(s.mu.readers, ts)
	} else {
		s.mu.readers[ts] = rs
	}
}

// End marks the read as exited.
func (r *ReadExit) End() {
	if r.ended {
		panic(errors.AssertionFailedf("read ended twice"))
	}
	r.ended = true
	s := r.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.state.NumReads++
	s.pumpLocked()
}

// ExitWrite blocks until every operation issued before tok has ended, and
// returns a handle to end the write. If ctx is canceled first, the write is
// withdrawn from the sink as if it had never arrived and an interruption
// error is returned.
func (s *Sink) ExitWrite(ctx context.Context, tok WriteToken) (*WriteExit, error) {
	s.mu.Lock()
	if tok.Timestamp < s.mu.state.Timestamp {
		s.mu.Unlock()
		panic(errors.AssertionFailedf("write token %s already passed (sink at %d)",
			tok, s.mu.state.Timestamp))
	}
	if _, ok := s.mu.writers[tok.Timestamp]; ok {
		s.mu.Unlock()
		panic(errors.AssertionFailedf("write token %s exited twice", tok))
	}
	if s.writeAdmissibleLocked(tok.Timestamp, tok.NumPrecedingReads) {
		s.mu.writing = true
		s.mu.Unlock()
		return &WriteExit{sink: s, token: tok}, nil
	}
	w := &waiter{numPrecedingReads: tok.NumPrecedingReads}
	s.mu.writers[tok.Timestamp] = w
	s.mu.Unlock()

	exit := &WriteExit{sink: s, token: tok}
	if err := signal.WaitInterruptible(ctx, &w.admitted); err != nil {
		s.mu.Lock()
		if !w.admitted.IsPulsed() {
			delete(s.mu.writers, tok.Timestamp)
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()
		exit.End()
		return nil, err
	}
	return exit, nil
}

func (s *Sink) writeAdmissibleLocked(ts, numReads uint64) bool {
	return !s.mu.writing && s.mu.state.Timestamp == ts && s.mu.state.NumReads == numReads
}

// End marks the write as exited.
func (w *WriteExit) End() {
	if w.ended {
		panic(errors.AssertionFailedf("write %s ended twice", w.token))
	}
	w.ended = true
	s := w.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.writing = false
	s.mu.state = State{Timestamp: w.token.Timestamp + 1}
	s.pumpLocked()
}

// pumpLocked admits every operation whose turn has come. It never blocks.
func (s *Sink) pumpLocked() {
	if s.mu.writing {
		return
	}
	ts := s.mu.state.Timestamp
	if rs, ok := s.mu.readers[ts]; ok {
		delete(s.mu.readers, ts)
		for _, r := range rs {
			r.admitted.Pulse()
		}
	}
	if w, ok := s.mu.writers[ts]; ok && s.writeAdmissibleLocked(ts, w.numPrecedingReads) {
		delete(s.mu.writers, ts)
		s.mu.writing = true
		w.admitted.Pulse()
	}
}

// State returns the position of the sink.
func (s *Sink) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.state
}

// NumWaiters returns the number of operations blocked in the sink.
func (s *Sink) NumWaiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.mu.writers)
	for _, rs := range s.mu.readers {
		n += len(rs)
	}
	return n
}
