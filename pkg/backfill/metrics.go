// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package backfill

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks both ends of the backfill protocol. A process running
// several backfillees and backfillers can share one Metrics.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsAborted   prometheus.Counter

	ItemsApplied     prometheus.Counter
	ItemBytesApplied prometheus.Counter
	ItemChunksSent   prometheus.Counter
	ItemBytesSent    prometheus.Counter

	PreItemChunksSent prometheus.Counter
	PreItemBytesSent  prometheus.Counter

	PreItemBytesOutstanding prometheus.Gauge
	ItemBytesOutstanding    prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "backfill", Name: name, Help: help,
	})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "backfill", Name: name, Help: help,
	})
}

// MakeMetrics instantiates the metrics.
func MakeMetrics() *Metrics {
	return &Metrics{
		SessionsStarted:   counter("sessions_started_total", "Backfill sessions started by backfillees."),
		SessionsCompleted: counter("sessions_completed_total", "Backfill sessions that ended with the end_session handshake."),
		SessionsAborted:   counter("sessions_aborted_total", "Backfill sessions abandoned because they were interrupted or failed."),
		ItemsApplied:      counter("items_applied_total", "Items durably applied by backfillees."),
		ItemBytesApplied:  counter("item_bytes_applied_total", "Size of the items durably applied by backfillees."),
		ItemChunksSent:    counter("item_chunks_sent_total", "items messages sent by backfillers."),
		ItemBytesSent:     counter("item_bytes_sent_total", "Size of the items sent by backfillers."),
		PreItemChunksSent: counter("pre_item_chunks_sent_total", "pre_items messages sent by backfillees."),
		PreItemBytesSent:  counter("pre_item_bytes_sent_total", "Size of the pre-items sent by backfillees."),
		PreItemBytesOutstanding: gauge("pre_item_bytes_outstanding",
			"Pre-item bytes sent by backfillees and not yet acknowledged."),
		ItemBytesOutstanding: gauge("item_bytes_outstanding",
			"Item bytes sent by backfillers and not yet acknowledged."),
	}
}

// Collectors returns the metrics for registration with a
// prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SessionsStarted, m.SessionsCompleted, m.SessionsAborted,
		m.ItemsApplied, m.ItemBytesApplied, m.ItemChunksSent, m.ItemBytesSent,
		m.PreItemChunksSent, m.PreItemBytesSent,
		m.PreItemBytesOutstanding, m.ItemBytesOutstanding,
	}
}
