package telemetry

import "github.com/prometheus/client_golang/prometheus"

// The domain counters below are registered and exported by
// NewMetricsRegistry(All()...), but no code in the gateway increments
// them, so they always read zero. Only HTTPRequestDuration (registry.go)
// is recorded, by the Metrics middleware.

// DispatchTotal is the counter for terminal dispatch outcomes by status.
var DispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "llmgateway",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Total number of dispatched requests by outcome.",
	},
	[]string{"outcome"},
)

// SourceSelectedTotal is the counter for which source the waterfall selected.
var SourceSelectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "llmgateway",
		Subsystem: "selector",
		Name:      "source_selected_total",
		Help:      "Total number of times each source kind was selected.",
	},
	[]string{"kind"},
)

// CacheLookupsTotal is the counter for Store Client LRU cache hits and
// misses per entity.
var CacheLookupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "llmgateway",
		Subsystem: "store",
		Name:      "cache_lookups_total",
		Help:      "Total number of LRU cache lookups by entity and result.",
	},
	[]string{"entity", "result"},
)

// HeartbeatsSentTotal is the counter for SSE heartbeat frames written to callers.
var HeartbeatsSentTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "llmgateway",
		Subsystem: "relay",
		Name:      "heartbeats_sent_total",
		Help:      "Total number of SSE heartbeat frames written to callers.",
	},
)

// UsageResolutionsTotal is the counter for deferred usage-counter commits vs drops.
var UsageResolutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "llmgateway",
		Subsystem: "usage",
		Name:      "reservations_total",
		Help:      "Total number of usage reservations by resolution.",
	},
	[]string{"resolution"},
)

// ConcurrencyRejectedTotal is the counter for try_acquire failures by source.
var ConcurrencyRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "llmgateway",
		Subsystem: "ledger",
		Name:      "acquire_rejected_total",
		Help:      "Total number of concurrency slot acquisitions rejected by source.",
	},
	[]string{"source"},
)

// All returns all llmgateway-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DispatchTotal,
		SourceSelectedTotal,
		CacheLookupsTotal,
		HeartbeatsSentTotal,
		UsageResolutionsTotal,
		ConcurrencyRejectedTotal,
	}
}
