// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package mailbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a metrics struct for Manager metrics.
type Metrics struct {
	Sent       prometheus.Counter
	Delivered  prometheus.Counter
	Dropped    prometheus.Counter
	Registered prometheus.Gauge
}

func makeMetrics() Metrics {
	return Metrics{
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backfill", Subsystem: "mailbox", Name: "messages_sent_total",
			Help: "Counter of messages sent, including those that were dropped.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backfill", Subsystem: "mailbox", Name: "messages_delivered_total",
			Help: "Counter of messages handed to a handler.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backfill", Subsystem: "mailbox", Name: "messages_dropped_total",
			Help: `Counter of messages that were never handled.

This includes messages sent to unknown mailboxes and messages still
queued when their mailbox was closed.
`,
		}),
		Registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backfill", Subsystem: "mailbox", Name: "registered",
			Help: "Gauge of currently registered mailboxes.",
		}),
	}
}

// Collectors returns the metrics for registration with a
// prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Sent, m.Delivered, m.Dropped, m.Registered}
}
