// Package metrics holds the Prometheus collectors for the metadata filter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docker_metadata_filter"

// Outcome label values for the batches counter.
const (
	OutcomeEnriched = "enriched"
	OutcomeNoMatch  = "no_match"
	OutcomeNotFound = "not_found"
	OutcomeError    = "backend_error"
)

// Metrics is the set of collectors shared by the resolver and the filter.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	CacheEvicted  prometheus.Counter
	CacheEntries  prometheus.Gauge
	NegativeHits  prometheus.Counter
	BackendErrors prometheus.Counter
	LookupSeconds prometheus.Histogram
	Batches       *prometheus.CounterVec
	Records       prometheus.Counter
}

// New creates the collectors and registers them with reg.
// Passing nil registers nothing, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Container metadata lookups answered from the cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Container metadata lookups that went to the Docker daemon",
		}),
		CacheEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache entries dropped because the cache was full",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of cached lookup outcomes",
		}),
		NegativeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_negative_hits_total",
			Help:      "Cache hits for containers the daemon reported as not found",
		}),
		BackendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Docker daemon lookups that failed for reasons other than not found",
		}),
		LookupSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_lookup_seconds",
			Help:      "Duration of Docker daemon container inspections",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Event batches processed, by enrichment outcome",
		}, []string{"outcome"}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_enriched_total",
			Help:      "Records that received the docker field",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheHits, m.CacheMisses, m.CacheEvicted, m.CacheEntries,
			m.NegativeHits, m.BackendErrors, m.LookupSeconds, m.Batches, m.Records,
		)
	}
	return m
}

// Handler returns an HTTP handler serving the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Hit counts a cache hit. negative marks a cached not-found answer.
func (m *Metrics) Hit(negative bool) {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
	if negative {
		m.NegativeHits.Inc()
	}
}

// Miss counts a cache miss.
func (m *Metrics) Miss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// Evicted counts an LRU eviction.
func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.CacheEvicted.Inc()
}

// SetEntries records the current number of cached entries.
func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// ObserveLookup records one backend call. failed excludes not-found answers.
func (m *Metrics) ObserveLookup(seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.LookupSeconds.Observe(seconds)
	if failed {
		m.BackendErrors.Inc()
	}
}

// Batch counts one processed batch. records is only added for enriched batches.
func (m *Metrics) Batch(outcome string, records int) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(outcome).Inc()
	if outcome == OutcomeEnriched {
		m.Records.Add(float64(records))
	}
}
