package docsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	openSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabsync",
		Subsystem: "docsync",
		Name:      "open_sessions",
		Help:      "Document sessions currently held in memory.",
	})

	deltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabsync",
		Subsystem: "docsync",
		Name:      "deltas_applied_total",
		Help:      "Client deltas merged into a replica.",
	})

	persists = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabsync",
		Subsystem: "docsync",
		Name:      "persists_total",
		Help:      "Successful debounced writes of merged state.",
	})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabsync",
		Subsystem: "docsync",
		Name:      "persist_failures_total",
		Help:      "Failed writes of merged state, retried on the next cycle.",
	})
)
