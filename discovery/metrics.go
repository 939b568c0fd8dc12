// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dobj",
			Subsystem: "discovery",
			Name:      "requests_total",
			Help:      "Discovery HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dobj",
			Subsystem: "discovery",
			Name:      "request_duration_seconds",
			Help:      "Discovery HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	leaseEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dobj",
			Subsystem: "discovery",
			Name:      "lease_events_total",
			Help:      "Lease lifecycle events.",
		},
		[]string{"event"},
	)
)

// RegisterMetrics registers the discovery collectors with the default
// prometheus registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, leaseEvents)
	})
}

func recordRequest(method, path string, status int, d time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(d.Seconds())
}

func recordLease(event string) {
	RegisterMetrics()
	leaseEvents.WithLabelValues(event).Inc()
}
