// Copyright 2025 the devbackend Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics exposes the backend engine's (C8) observability
// surface as Prometheus collectors, grounded on the corpus's own use of
// github.com/prometheus/client_golang for service-level gauges/counters
// (see r3e-network-service_layer's services, which register metrics
// against an injected registerer the same way Metrics does here).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of backend-engine counters/gauges. It is safe to
// share a single *Metrics across every frontend handler a backend
// engine owns, since each field is its own concurrency-safe collector.
type Metrics struct {
	FrontendsActive prometheus.Gauge
	ScanTicks       prometheus.Counter
	FrontendsReaped prometheus.Counter
	RingOverflows   prometheus.Counter
	NotifiesSent    prometheus.Counter
}

// New registers a fresh Metrics instance against reg. reg may be
// prometheus.NewRegistry() in tests or prometheus.DefaultRegisterer in
// production; it must not be nil.
func New(reg prometheus.Registerer, deviceName string) *Metrics {
	m := &Metrics{
		FrontendsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "devbackend",
			Subsystem:   deviceName,
			Name:        "frontends_active",
			Help:        "Number of frontend handlers currently tracked by the backend engine.",
			ConstLabels: prometheus.Labels{"device": deviceName},
		}),
		ScanTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "devbackend",
			Subsystem:   deviceName,
			Name:        "scan_ticks_total",
			Help:        "Number of supervisor scan ticks completed.",
			ConstLabels: prometheus.Labels{"device": deviceName},
		}),
		FrontendsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "devbackend",
			Subsystem:   deviceName,
			Name:        "frontends_reaped_total",
			Help:        "Number of frontend handlers reaped after reaching Closing.",
			ConstLabels: prometheus.Labels{"device": deviceName},
		}),
		RingOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "devbackend",
			Subsystem:   deviceName,
			Name:        "ring_overflows_total",
			Help:        "Number of ring-buffer overflow errors observed.",
			ConstLabels: prometheus.Labels{"device": deviceName},
		}),
		NotifiesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "devbackend",
			Subsystem:   deviceName,
			Name:        "notifies_sent_total",
			Help:        "Number of event-channel notify edges sent by data channels.",
			ConstLabels: prometheus.Labels{"device": deviceName},
		}),
	}

	reg.MustRegister(m.FrontendsActive, m.ScanTicks, m.FrontendsReaped, m.RingOverflows, m.NotifiesSent)
	return m
}
