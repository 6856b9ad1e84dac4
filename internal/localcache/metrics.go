package localcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collabsync",
		Subsystem: "localcache",
		Name:      "queue_depth",
		Help:      "Pending entries across all sync queue buckets.",
	})

	localFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabsync",
		Subsystem: "localcache",
		Name:      "local_fallbacks_total",
		Help:      "Reads served from the mirror after a failed remote fetch.",
	})

	syncReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabsync",
		Subsystem: "localcache",
		Name:      "sync_replayed_total",
		Help:      "Queue entries replayed against the remote store.",
	})

	syncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collabsync",
		Subsystem: "localcache",
		Name:      "sync_failures_total",
		Help:      "Replay attempts that failed and were retained for retry.",
	})
)
