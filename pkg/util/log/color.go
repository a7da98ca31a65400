// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package log

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// colorProfile defines escape sequences which provide color in
// terminals.
type colorProfile struct {
	infoPrefix  []byte
	warnPrefix  []byte
	errorPrefix []byte
}

var colorReset = []byte("\033[0m")

// For terms with 8-color support.
var colorProfile8 = &colorProfile{
	infoPrefix:  []byte("\033[0;36;49m"),
	warnPrefix:  []byte("\033[0;33;49m"),
	errorPrefix: []byte("\033[0;31;49m"),
}

// For terms with 256-color support.
var colorProfile256 = &colorProfile{
	infoPrefix:  []byte("\033[38;5;33m"),
	warnPrefix:  []byte("\033[38;5;214m"),
	errorPrefix: []byte("\033[38;5;160m"),
}

// stderrColorProfile is nil unless stderr is a terminal.
var stderrColorProfile = func() *colorProfile {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	if strings.Contains(os.Getenv("TERM"), "256color") {
		return colorProfile256
	}
	return colorProfile8
}()

func (cp *colorProfile) prefixFor(sev Severity) []byte {
	switch sev {
	case SeverityInfo:
		return cp.infoPrefix
	case SeverityWarning:
		return cp.warnPrefix
	default:
		return cp.errorPrefix
	}
}
