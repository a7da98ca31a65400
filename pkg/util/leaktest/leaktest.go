// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package leaktest provides tools to detect leaked goroutines in tests.
// To use it, call "defer leaktest.AfterTest(t)()" at the beginning of each
// test that may use goroutines.
package leaktest

import (
	"runtime"
	"sort"
	"strings"
	"time"
)

// interestingGoroutines returns all goroutines we care about for the purpose
// of leak checking. It excludes testing or runtime ones.
func interestingGoroutines() map[int64]string {
	buf := make([]byte, 2<<20)
	buf = buf[:runtime.Stack(buf, true)]
	gs := make(map[int64]string)
	for _, g := range strings.Split(string(buf), "\n\n") {
		sl := strings.SplitN(g, "\n", 2)
		if len(sl) != 2 {
			continue
		}
		stack := strings.TrimSpace(sl[1])
		if strings.HasPrefix(stack, "testing.RunTests") {
			continue
		}

		if stack == "" ||
			strings.Contains(stack, "testing.(*M).") ||
			strings.Contains(stack, "testing.Main(") ||
			strings.Contains(stack, "testing.tRunner(") ||
			strings.Contains(stack, "runtime.goexit") && strings.Contains(stack, "created by runtime.") ||
			strings.Contains(stack, "created by os/signal.init") ||
			strings.Contains(stack, "runtime.MHeap_Scavenger") ||
			strings.Contains(stack, "signal.signal_recv") ||
			strings.Contains(stack, "sigterm.handler") ||
			strings.Contains(stack, "runtime_mcall") ||
			strings.Contains(stack, "goroutine in C code") ||
			strings.Contains(stack, "github.com/sasha-s/go-deadlock") ||
			strings.Contains(stack, "leaktest.interestingGoroutines") {
			continue
		}
		gs[goroutineID(sl[0])] = g
	}
	return gs
}

// goroutineID parses "goroutine 42 [running]:".
func goroutineID(header string) int64 {
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return -1
	}
	var id int64
	for _, c := range fields[1] {
		if c < '0' || c > '9' {
			return -1
		}
		id = id*10 + int64(c-'0')
	}
	return id
}

// AfterTest snapshots the currently-running goroutines and returns a
// function to be run at the end of tests to see whether any
// goroutines leaked.
func AfterTest(t interface {
	Helper()
	Failed() bool
	Errorf(format string, args ...interface{})
}) func() {
	orig := interestingGoroutines()
	return func() {
		t.Helper()
		// If there was a panic or the test already failed, "leaked"
		// goroutines are expected.
		if r := recover(); r != nil {
			panic(r)
		}
		if t.Failed() {
			return
		}
		// Loop, waiting for goroutines to shut down.
		// Wait up to 5 seconds, but finish as quickly as possible.
		deadline := time.Now().Add(5 * time.Second)
		for {
			var leaked []string
			for id, stack := range interestingGoroutines() {
				if _, ok := orig[id]; !ok {
					leaked = append(leaked, stack)
				}
			}
			if len(leaked) == 0 {
				return
			}
			if time.Now().After(deadline) {
				sort.Strings(leaked)
				for _, g := range leaked {
					t.Errorf("Leaked goroutine: %v", g)
				}
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
}
