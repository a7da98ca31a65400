// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package signal

import "github.com/cockroachdb/errors"

// Cond is a Signal that its holder pulses explicitly.
type Cond struct {
	Signal
}

// Pulse pulses the condition. Pulsing twice is a programming error.
func (c *Cond) Pulse() {
	if !c.pulse() {
		panic(errors.AssertionFailedf(
			"condition pulsed twice; first pulsed by goroutine %d", c.pulser()))
	}
}

// PulseIfNotAlreadyPulsed pulses the condition unless it was pulsed already.
func (c *Cond) PulseIfNotAlreadyPulsed() {
	_ = c.pulse()
}
