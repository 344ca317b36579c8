// Package metrics provides the engine's Prometheus metric surface.
//
// All metric names are exactly those named in the external-interfaces
// contract: hot_hits_total, hot_misses_total, cold_fallbacks_total,
// breaker_open_total, breaker_close_total, breaker_halfopen_total,
// reconciler_latency_seconds, reconciler_failures_total,
// operation_latency_seconds, queue_publishes_total, queue_failures_total,
// direct_writes_total — each namespaced under the registry's configured
// prefix (default "hybridauth").
//
// Usage:
//
//	registry := metrics.DefaultRegistry()
//	registry.Engine().HotHitsTotal.Inc()
//	registry.Breaker().OpenTotal.Inc()
package metrics

import "sync"

// MetricsRegistry is the central registry for all Prometheus metrics,
// organized by the component that emits them (Engine, Breaker, Outbox).
// Each category is lazily constructed on first access and is itself
// goroutine-safe via the underlying client_golang collectors.
type MetricsRegistry struct {
	namespace string

	engine  *EngineMetrics
	breaker *BreakerMetrics
	outbox  *OutboxMetrics

	engineOnce  sync.Once
	breakerOnce sync.Once
	outboxOnce  sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry. This is the
// only process-global state in the module (spec design note: "any
// process-global state is limited to the metrics registry, whose lifecycle
// is init on first use, teardown on shutdown").
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("hybridauth")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the given
// namespace. Tests that need isolated collectors (to avoid duplicate
// registration against the global default Prometheus registerer) should
// call this directly rather than DefaultRegistry.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "hybridauth"
	}
	return &MetricsRegistry{namespace: namespace}
}

// Engine returns the HybridEngine metrics (hit/miss/fallback/latency),
// lazily constructed on first access.
func (r *MetricsRegistry) Engine() *EngineMetrics {
	r.engineOnce.Do(func() {
		r.engine = NewEngineMetrics(r.namespace)
	})
	return r.engine
}

// Breaker returns the CircuitBreaker transition metrics.
func (r *MetricsRegistry) Breaker() *BreakerMetrics {
	r.breakerOnce.Do(func() {
		r.breaker = NewBreakerMetrics(r.namespace)
	})
	return r.breaker
}

// Outbox returns the Outbox/Reconciler metrics.
func (r *MetricsRegistry) Outbox() *OutboxMetrics {
	r.outboxOnce.Do(func() {
		r.outbox = NewOutboxMetrics(r.namespace)
	})
	return r.outbox
}

// Namespace returns the configured Prometheus namespace for this registry.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}
