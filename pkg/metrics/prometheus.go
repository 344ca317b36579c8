package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics holds the HybridEngine's read/write counters and the
// shared operation-latency histogram (spec §6 metrics list).
type EngineMetrics struct {
	HotHitsTotal         prometheus.Counter
	HotMissesTotal       prometheus.Counter
	ColdFallbacksTotal   prometheus.Counter
	DirectWritesTotal    prometheus.Counter
	OperationLatencySecs *prometheus.HistogramVec
}

// NewEngineMetrics constructs the engine metric group under namespace.
func NewEngineMetrics(namespace string) *EngineMetrics {
	return &EngineMetrics{
		HotHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hot_hits_total",
			Help:      "HotStore reads satisfied without falling back to ColdStore.",
		}),
		HotMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hot_misses_total",
			Help:      "HotStore reads that missed and required a ColdStore decision.",
		}),
		ColdFallbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cold_fallbacks_total",
			Help:      "HotStore misses that were served by a ColdStore read.",
		}),
		DirectWritesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direct_writes_total",
			Help:      "Set calls that performed a synchronous ColdStore write (write-through mode).",
		}),
		OperationLatencySecs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of engine public operations.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),
	}
}

// BreakerMetrics holds the CircuitBreaker's state-transition counters.
type BreakerMetrics struct {
	OpenTotal     prometheus.Counter
	CloseTotal    prometheus.Counter
	HalfOpenTotal prometheus.Counter
}

// NewBreakerMetrics constructs the breaker metric group under namespace.
func NewBreakerMetrics(namespace string) *BreakerMetrics {
	return &BreakerMetrics{
		OpenTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_total",
			Help:      "Transitions into the open state.",
		}),
		CloseTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_close_total",
			Help:      "Transitions into the closed state.",
		}),
		HalfOpenTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_halfopen_total",
			Help:      "Transitions into the half-open state.",
		}),
	}
}

// OutboxMetrics holds the Outbox/Reconciler's throughput counters and
// reconciliation-latency histogram.
type OutboxMetrics struct {
	QueuePublishesTotal   prometheus.Counter
	QueueFailuresTotal    prometheus.Counter
	ReconcilerFailuresTot prometheus.Counter
	ReconcilerLatencySecs prometheus.Histogram
}

// NewOutboxMetrics constructs the outbox metric group under namespace.
func NewOutboxMetrics(namespace string) *OutboxMetrics {
	return &OutboxMetrics{
		QueuePublishesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_publishes_total",
			Help:      "Outbox entries successfully committed to ColdStore.",
		}),
		QueueFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failures_total",
			Help:      "Outbox entries that failed a reconciliation attempt (including dead-lettered entries).",
		}),
		ReconcilerFailuresTot: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_failures_total",
			Help:      "Failed outbox-entry reconciliation attempts, counted per entry.",
		}),
		ReconcilerLatencySecs: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciler_latency_seconds",
			Help:      "Latency of a single outbox-entry reconciliation attempt.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}
