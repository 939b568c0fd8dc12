// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dobj

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dobj",
			Subsystem: "invocation",
			Name:      "total",
			Help:      "Invocations sent and dispatched.",
		},
		[]string{"direction", "kind", "outcome"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dobj",
			Subsystem: "invocation",
			Name:      "duration_seconds",
			Help:      "Invocation latency in seconds (round trip when outbound).",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"direction", "kind"},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dobj",
			Subsystem: "connection",
			Name:      "open",
			Help:      "Connections currently open.",
		},
	)
)

// RegisterMetrics registers the dobj collectors with the default
// prometheus registry. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(invocations, invocationDuration, connections)
	})
}

func recordOutbound(kind, outcome string, d time.Duration) {
	RegisterMetrics()
	invocations.WithLabelValues("out", kind, outcome).Inc()
	invocationDuration.WithLabelValues("out", kind).Observe(d.Seconds())
}

func recordInbound(kind, outcome string, d time.Duration) {
	RegisterMetrics()
	invocations.WithLabelValues("in", kind, outcome).Inc()
	invocationDuration.WithLabelValues("in", kind).Observe(d.Seconds())
}

func recordConnection(delta float64) {
	RegisterMetrics()
	connections.Add(delta)
}
