// Package metrics provides Prometheus metrics for the query result cache.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup results.
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupExpired = "expired"
)

// Removal reasons.
const (
	RemovalExpired     = "expired"
	RemovalEvicted     = "evicted"
	RemovalInvalidated = "invalidated"
	RemovalCleared     = "cleared"
)

// CacheMetrics holds the collectors updated by the cache engine and the
// query executor. A nil *CacheMetrics is valid and records nothing.
type CacheMetrics struct {
	Lookups       *prometheus.CounterVec
	Stores        *prometheus.CounterVec
	Removals      *prometheus.CounterVec
	CopyFallbacks *prometheus.CounterVec
	Entries       prometheus.Gauge

	QueryDuration *prometheus.HistogramVec
}

// NewCacheMetrics creates the cache collectors under namespace and registers
// them with reg. A nil reg creates unregistered collectors, which is what
// tests want.
func NewCacheMetrics(namespace string, reg prometheus.Registerer) *CacheMetrics {
	factory := promauto.With(reg)
	return &CacheMetrics{
		Lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of cache lookups by result",
		}, []string{"result"}),
		Stores: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stores_total",
			Help:      "Total number of store attempts by outcome",
		}, []string{"outcome"}),
		Removals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_removals_total",
			Help:      "Total number of entries removed by reason",
		}, []string{"reason"}),
		CopyFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_copy_fallbacks_total",
			Help:      "Results served or stored uncopied because deep copy failed",
		}, []string{"op"}),
		Entries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of resident cache entries",
		}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Statement execution time by kind and cache source",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"kind", "source"}),
	}
}

// ObserveLookup records a lookup outcome.
func (m *CacheMetrics) ObserveLookup(result string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(result).Inc()
}

// ObserveStore records whether a store was admitted.
func (m *CacheMetrics) ObserveStore(stored bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if stored {
		outcome = "stored"
	}
	m.Stores.WithLabelValues(outcome).Inc()
}

// ObserveRemoval records n entries removed for reason.
func (m *CacheMetrics) ObserveRemoval(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Removals.WithLabelValues(reason).Add(float64(n))
}

// ObserveCopyFallback records a failed deep copy during op ("store" or "lookup").
func (m *CacheMetrics) ObserveCopyFallback(op string) {
	if m == nil {
		return
	}
	m.CopyFallbacks.WithLabelValues(op).Inc()
}

// SetEntries updates the resident entry gauge.
func (m *CacheMetrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(n))
}

// ObserveQuery records how long a statement took. kind is "read" or "write",
// source is "cache" or "database".
func (m *CacheMetrics) ObserveQuery(kind, source string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(kind, source).Observe(d.Seconds())
}
