// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/backfill/pkg/util/syncutil"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/petermattis/goid"
)

// logging is the process-wide logger state.
var logging struct {
	mu struct {
		syncutil.Mutex
		out   io.Writer
		color *colorProfile
		// redactable, when set, keeps the redaction markers in the output.
		redactable bool
		exitOverride struct {
			f func(int)
		}
	}
}

func init() {
	logging.mu.out = os.Stderr
	logging.mu.color = stderrColorProfile
}

// SetOutput redirects all log entries to w and returns a function restoring
// the previous destination. Color is disabled for non-stderr writers.
func SetOutput(w io.Writer) (restore func()) {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prevOut, prevColor := logging.mu.out, logging.mu.color
	logging.mu.out = w
	if w != os.Stderr {
		logging.mu.color = nil
	}
	return func() {
		logging.mu.Lock()
		defer logging.mu.Unlock()
		logging.mu.out, logging.mu.color = prevOut, prevColor
	}
}

// SetRedactable configures whether redaction markers are kept in entries.
func SetRedactable(redactable bool) {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	logging.mu.redactable = redactable
}

// logfDepth formats and writes a single entry. The entry header mirrors the
// crdb-v1 format:
//
//	I260102 15:04:05.999999 42 backfill/backfillee.go:123 [tags] message
func logfDepth(
	ctx context.Context, depth int, sev Severity, format string, args []interface{},
) {
	now := time.Now()
	file, line := "???", 1
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		file = filepath.Join(filepath.Base(filepath.Dir(f)), filepath.Base(f))
		line = l
	}
	msg := redact.Sprintf(format, args...)

	logging.mu.Lock()
	defer logging.mu.Unlock()

	var buf bytes.Buffer
	cp := logging.mu.color
	if cp != nil {
		buf.Write(cp.prefixFor(sev))
	}
	buf.WriteByte(severityChar[sev])
	buf.WriteString(now.UTC().Format("060102 15:04:05.000000"))
	if cp != nil {
		buf.Write(colorReset)
	}
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatInt(goid.Get(), 10))
	buf.WriteByte(' ')
	buf.WriteString(file)
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(line))
	buf.WriteByte(' ')
	formatTags(ctx, &buf)
	if logging.mu.redactable {
		buf.WriteString(string(msg))
	} else {
		buf.WriteString(msg.StripMarkers())
	}
	if buf.Len() == 0 || buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}
	_, _ = logging.mu.out.Write(buf.Bytes())
}

// formatTags writes the context's log tags as "[k1=v1,k2] ".
func formatTags(ctx context.Context, buf *bytes.Buffer) {
	tags := logtags.FromContext(ctx)
	if tags == nil {
		return
	}
	buf.WriteByte('[')
	buf.WriteString(tags.String())
	buf.WriteString("] ")
}

// SetExitFunc allows setting a function that will be called to exit the
// process when a Fatal message is generated. Call with a nil function to
// undo.
func SetExitFunc(f func(int)) {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	logging.mu.exitOverride.f = f
}

func exit(ctx context.Context, format string, args []interface{}) {
	logging.mu.Lock()
	f := logging.mu.exitOverride.f
	logging.mu.Unlock()
	if f != nil {
		f(255)
		return
	}
	os.Exit(255)
}
