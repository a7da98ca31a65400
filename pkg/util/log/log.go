// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package log implements the leveled, context-tagged logging used throughout
// the module. Entries carry the logtags attached to the context and are
// formatted with redact, so that values which are not marked safe can be
// told apart from the message scaffolding.
package log

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int32

// Severities in increasing order of importance.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

var severityChar = [...]byte{'I', 'W', 'E', 'F'}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityFatal:
		return "FATAL"
	}
	return fmt.Sprintf("Severity(%d)", int32(s))
}

// verbosity is the global V() level.
var verbosity int32

// SetVerbosity sets the global verbosity level and returns the previous one.
func SetVerbosity(level int32) (prev int32) {
	return atomic.SwapInt32(&verbosity, level)
}

// V returns true if the logging verbosity is set to the specified level or
// higher.
func V(level int32) bool {
	return atomic.LoadInt32(&verbosity) >= level
}

// ExpensiveLogEnabled is used to test whether effort should be used to
// produce log messages whose construction has a measurable cost. It returns
// true if either the current context is recording a verbose trace or the
// verbosity is at or above the given level.
func ExpensiveLogEnabled(ctx context.Context, level int32) bool {
	return V(level)
}

// Infof logs to the INFO log.
// It extracts log tags from the context and logs them along with the given
// message. Arguments are handled in the manner of fmt.Printf.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, SeverityInfo, format, args)
}

// Info logs to the INFO log.
func Info(ctx context.Context, msg string) {
	logfDepth(ctx, 1, SeverityInfo, "%s", []interface{}{msg})
}

// Warningf logs to the WARNING and INFO logs.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, SeverityWarning, format, args)
}

// Errorf logs to the ERROR, WARNING, and INFO logs.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, SeverityError, format, args)
}

// Fatalf logs to the FATAL log and then terminates the process, or calls the
// function installed with SetExitFunc.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, SeverityFatal, format, args)
	exit(ctx, format, args)
}

// VEventf logs the message if the verbosity is at least level.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		logfDepth(ctx, 1, SeverityInfo, format, args)
	}
}

// InfofDepth logs to the INFO log, attributing the entry to the caller depth
// frames up the stack.
func InfofDepth(ctx context.Context, depth int, format string, args ...interface{}) {
	logfDepth(ctx, depth+1, SeverityInfo, format, args)
}
