package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all engine-level metrics
type Metrics struct {
	// Cache store metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge

	// Router metrics
	Intercepts      *prometheus.CounterVec
	NetworkFetches  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Queue and scheduler metrics
	QueueDepth     *prometheus.GaugeVec
	ItemsEnqueued  *prometheus.CounterVec
	ItemsDelivered *prometheus.CounterVec
	ItemsDead      *prometheus.CounterVec
	DrainDuration  *prometheus.HistogramVec

	// Resolver metrics
	ConflictsResolved  *prometheus.CounterVec
	ConflictsEscalated prometheus.Counter

	// Lifecycle metrics
	ActiveGeneration prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all engine metrics
func NewMetrics() *Metrics {
	return &Metrics{
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total cache hits by policy",
			},
			[]string{"policy"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total cache misses by policy",
			},
			[]string{"policy"},
		),

		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Total cache evictions by reason (lru, ttl, quota, invalidation)",
			},
			[]string{"reason"},
		),

		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "syncengine",
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Current number of cache entries",
			},
		),

		Intercepts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "router",
				Name:      "intercepts_total",
				Help:      "Total intercepted requests by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),

		NetworkFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "router",
				Name:      "network_fetches_total",
				Help:      "Total network fetches by result (success, transient, permanent, timeout)",
			},
			[]string{"result"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "syncengine",
				Subsystem: "router",
				Name:      "request_duration_seconds",
				Help:      "Intercept handling duration by policy",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"policy"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "syncengine",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Pending plus retryable items by tag",
			},
			[]string{"tag"},
		),

		ItemsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "queue",
				Name:      "enqueued_total",
				Help:      "Total items enqueued by tag",
			},
			[]string{"tag"},
		),

		ItemsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "queue",
				Name:      "delivered_total",
				Help:      "Total items delivered (acked) by tag",
			},
			[]string{"tag"},
		),

		ItemsDead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "queue",
				Name:      "dead_letter_total",
				Help:      "Total items moved to dead-letter by tag",
			},
			[]string{"tag"},
		),

		DrainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "syncengine",
				Subsystem: "scheduler",
				Name:      "drain_duration_seconds",
				Help:      "Drain duration by tag and outcome (success, partial)",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"tag", "outcome"},
		),

		ConflictsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "resolver",
				Name:      "resolved_total",
				Help:      "Total conflicts resolved by strategy",
			},
			[]string{"strategy"},
		),

		ConflictsEscalated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "syncengine",
				Subsystem: "resolver",
				Name:      "escalated_total",
				Help:      "Total conflicts escalated to the application",
			},
		),

		ActiveGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "syncengine",
				Subsystem: "lifecycle",
				Name:      "active_generation",
				Help:      "Number of the currently active generation",
			},
		),
	}
}

// collectors returns every metric for bulk registration
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheEntries,
		m.Intercepts, m.NetworkFetches, m.RequestDuration,
		m.QueueDepth, m.ItemsEnqueued, m.ItemsDelivered, m.ItemsDead,
		m.DrainDuration,
		m.ConflictsResolved, m.ConflictsEscalated,
		m.ActiveGeneration,
	}
}
