// Package metrics exposes a qcache.Cache's diagnostic counters as
// Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/qcache/qcache"
)

// Metrics registers and maintains the Prometheus collectors for one
// Cache. Counter deltas are computed on each poll against the last
// observed Stats snapshot, since qcache.Stats itself only ever
// accumulates.
type Metrics struct {
	cache *qcache.Cache

	hits             prometheus.Counter
	misses           prometheus.Counter
	insertCollisions prometheus.Counter
	lookupCollisions prometheus.Counter
	deferredInserts  prometheus.Counter
	deferredLookups  prometheus.Counter
	ttlTooShorts     prometheus.Counter

	size   prometheus.Gauge
	hitPct prometheus.GaugeFunc

	last qcache.Snapshot
}

// New builds the collector set for cache and registers it against the
// default Prometheus registry.
func New(cache *qcache.Cache) *Metrics {
	m := &Metrics{
		cache: cache,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qcache_hits_total",
			Help: "Total number of cache hits, including stale hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qcache_misses_total",
			Help: "Total number of cache misses.",
		}),
		insertCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qcache_insert_collisions_total",
			Help: "Total number of inserts rejected by a key collision against a live, distinct entry.",
		}),
		lookupCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qcache_lookup_collisions_total",
			Help: "Total number of lookups rejected by a key collision against a live, distinct entry.",
		}),
		deferredInserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qcache_deferred_inserts_total",
			Help: "Total number of inserts skipped because the target shard's write lock was contended.",
		}),
		deferredLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qcache_deferred_lookups_total",
			Help: "Total number of lookups reported as a miss because the target shard's read lock was contended.",
		}),
		ttlTooShorts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qcache_ttl_too_short_total",
			Help: "Total number of inserts rejected because the response's TTL was below the configured minimum.",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qcache_size",
			Help: "Current number of entries held in the cache.",
		}),
	}
	m.hitPct = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "qcache_hit_rate",
		Help: "Cache hit rate percentage, computed over the process lifetime.",
	}, m.hitRate)

	prometheus.MustRegister(
		m.hits, m.misses, m.insertCollisions, m.lookupCollisions,
		m.deferredInserts, m.deferredLookups, m.ttlTooShorts,
		m.size, m.hitPct,
	)

	return m
}

// Collect pulls the latest Stats snapshot from the cache and advances
// every counter by the delta since the last call. Call it periodically
// (the qcached serve command does this once a second).
func (m *Metrics) Collect() {
	cur := m.cache.Stats()

	m.hits.Add(float64(cur.Hits - m.last.Hits))
	m.misses.Add(float64(cur.Misses - m.last.Misses))
	m.insertCollisions.Add(float64(cur.InsertCollisions - m.last.InsertCollisions))
	m.lookupCollisions.Add(float64(cur.LookupCollisions - m.last.LookupCollisions))
	m.deferredInserts.Add(float64(cur.DeferredInserts - m.last.DeferredInserts))
	m.deferredLookups.Add(float64(cur.DeferredLookups - m.last.DeferredLookups))
	m.ttlTooShorts.Add(float64(cur.TTLTooShorts - m.last.TTLTooShorts))

	m.size.Set(float64(m.cache.Size()))

	m.last = cur
}

func (m *Metrics) hitRate() float64 {
	return m.cache.Stats().HitRate()
}
