// Package metrics registers the prometheus collectors shared by the core
// components. The core exposes no HTTP surface; the registry is handed to
// whatever supervisor embeds it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core increments.
type Metrics struct {
	BusEmitted        prometheus.Counter
	BusDropped        *prometheus.CounterVec
	InvalidSignatures prometheus.Counter
	Transitions       *prometheus.CounterVec
	Quarantines       prometheus.Counter
	PhaseBatches      prometheus.Counter
	RegistryVersion   prometheus.Gauge

	registry *prometheus.Registry
}

// New constructs and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		BusEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kloros_bus_emitted_total",
			Help: "Messages accepted by the signal bus.",
		}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kloros_bus_dropped_total",
			Help: "Messages dropped at subscriber queues, by topic.",
		}, []string{"topic"}),
		InvalidSignatures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kloros_invalid_signatures_total",
			Help: "Observations rejected for HMAC verification failure.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kloros_transitions_total",
			Help: "Lifecycle transitions, by from/to state.",
		}, []string{"from", "to"}),
		Quarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kloros_quarantines_total",
			Help: "Quarantine demotions triggered by production health.",
		}),
		PhaseBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kloros_phase_batches_total",
			Help: "PHASE batches started.",
		}),
		RegistryVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kloros_registry_version",
			Help: "Current registry snapshot version.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.BusEmitted,
		m.BusDropped,
		m.InvalidSignatures,
		m.Transitions,
		m.Quarantines,
		m.PhaseBatches,
		m.RegistryVersion,
	)
	return m
}

// Gatherer exposes the underlying registry for embedding supervisors.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
