// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Initialization outcomes recorded by the initializations counter.
const (
	outcomeFull    = "full"
	outcomePartial = "partial"
	outcomeFailed  = "failed"
)

// Metrics exports sandbox geometry and page allocator activity. All
// methods accept a nil receiver and do nothing, so a Sandbox without
// metrics needs no checks at the call sites.
type Metrics struct {
	Size              prometheus.Gauge
	ReservationSize   prometheus.Gauge
	PartiallyReserved prometheus.Gauge
	Initializations   *prometheus.CounterVec

	AllocatedBytes     prometheus.Gauge
	Allocations        prometheus.Counter
	Frees              prometheus.Counter
	AllocationFailures prometheus.Counter
}

// NewMetrics creates the sandbox metrics and registers them with
// registerer. Registering twice with the same registerer panics, as
// with any promauto metric.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Size: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vmsandbox_size_bytes",
			Help: "Size of the addressable sandbox region in bytes",
		}),
		ReservationSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vmsandbox_reservation_bytes",
			Help: "Size of the virtual memory reservation backing the sandbox in bytes",
		}),
		PartiallyReserved: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vmsandbox_partially_reserved",
			Help: "1 if the sandbox runs on a partial reservation without guard regions",
		}),
		Initializations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vmsandbox_initializations_total",
				Help: "Sandbox initializations by outcome",
			},
			[]string{"outcome"},
		),
		AllocatedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vmsandbox_page_allocator_allocated_bytes",
			Help: "Bytes currently allocated through the sandbox page allocator",
		}),
		Allocations: factory.NewCounter(prometheus.CounterOpts{
			Name: "vmsandbox_page_allocations_total",
			Help: "Successful page allocations in the sandbox",
		}),
		Frees: factory.NewCounter(prometheus.CounterOpts{
			Name: "vmsandbox_page_frees_total",
			Help: "Page frees in the sandbox",
		}),
		AllocationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "vmsandbox_page_allocation_failures_total",
			Help: "Page allocations in the sandbox that failed",
		}),
	}
}

func (m *Metrics) observeGeometry(size, reservationSize uint64, partial bool) {
	if m == nil {
		return
	}
	m.Size.Set(float64(size))
	m.ReservationSize.Set(float64(reservationSize))
	if partial {
		m.PartiallyReserved.Set(1)
		m.Initializations.WithLabelValues(outcomePartial).Inc()
	} else {
		m.PartiallyReserved.Set(0)
		m.Initializations.WithLabelValues(outcomeFull).Inc()
	}
}

func (m *Metrics) observeFailure() {
	if m == nil {
		return
	}
	m.Initializations.WithLabelValues(outcomeFailed).Inc()
}

func (m *Metrics) resetGeometry() {
	if m == nil {
		return
	}
	m.Size.Set(0)
	m.ReservationSize.Set(0)
	m.PartiallyReserved.Set(0)
	m.AllocatedBytes.Set(0)
}

func (m *Metrics) observeAllocation(allocated uint64) {
	if m == nil {
		return
	}
	m.Allocations.Inc()
	m.AllocatedBytes.Set(float64(allocated))
}

func (m *Metrics) observeAllocationFailure() {
	if m == nil {
		return
	}
	m.AllocationFailures.Inc()
}

func (m *Metrics) observeFree(allocated uint64) {
	if m == nil {
		return
	}
	m.Frees.Inc()
	m.AllocatedBytes.Set(float64(allocated))
}
