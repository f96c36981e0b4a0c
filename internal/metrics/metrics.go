// Package metrics exposes a small Prometheus surface: cache hit rate, slot
// occupancy, and janitor bytes reclaimed. The teacher's own pkg/metrics
// package defines vLLM metric-name constants without wiring a concrete
// exporter; this package gives that concern the client the pack's
// BaSui01-agentflow runtime package wires throughout its own code
// (prometheus/client_golang), parameterized to this proxy's domain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcacheproxy_cache_lookups_total",
		Help: "Number of LCP Index lookups, labeled by outcome (hit, miss, gated).",
	}, []string{"outcome"})

	SlotsOccupied = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvcacheproxy_slots_occupied",
		Help: "Number of slots currently Reserved or Busy.",
	})

	JanitorBytesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvcacheproxy_janitor_bytes_reclaimed_total",
		Help: "Total bytes freed by Cache Janitor eviction passes.",
	})

	JanitorEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcacheproxy_janitor_evictions_total",
		Help: "Number of Cache Entries evicted, labeled by reason (age, size).",
	}, []string{"reason"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kvcacheproxy_request_duration_seconds",
		Help:    "End-to-end request latency, labeled by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
