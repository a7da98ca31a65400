// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/backfill/pkg/util/syncutil"
)

// tShim is the subset of testing.TB used by TestLogScope; it avoids
// importing the testing package in non-test code.
type tShim interface {
	Helper()
	Logf(format string, args ...interface{})
	Failed() bool
}

// TestLogScope captures the log output of a single test. The output is only
// replayed through t.Logf if the test failed, which keeps passing tests quiet.
type TestLogScope struct {
	restore func()
	mu      struct {
		syncutil.Mutex
		buf bytes.Buffer
	}
}

// Scope creates a TestLogScope which corresponds to the lifetime of a
// logging directory. The logging directory is cleaned up upon invocation
// of Close(), and the buffered output is dumped if the test failed.
//
//	defer log.Scope(t).Close(t)
func Scope(t tShim) *TestLogScope {
	t.Helper()
	sc := &TestLogScope{}
	sc.restore = SetOutput(sc)
	return sc
}

// Write implements io.Writer.
func (sc *TestLogScope) Write(p []byte) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.mu.buf.Write(p)
}

// Contains returns whether any captured entry contains s.
func (sc *TestLogScope) Contains(s string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return strings.Contains(sc.mu.buf.String(), s)
}

// Close restores the previous log destination.
func (sc *TestLogScope) Close(t tShim) {
	t.Helper()
	sc.restore()
	if t.Failed() {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		t.Logf("log output:\n%s", sc.mu.buf.String())
	}
}
