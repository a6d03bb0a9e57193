package qcache

import "sync/atomic"

// Stats holds the cache's monotonic diagnostic counters. Every field is
// updated with a plain atomic add and never reset. Snapshot loads each
// counter separately, so it is not an atomic view across counters.
type Stats struct {
	hits             atomic.Uint64
	misses           atomic.Uint64
	insertCollisions atomic.Uint64
	lookupCollisions atomic.Uint64
	deferredInserts  atomic.Uint64
	deferredLookups  atomic.Uint64
	ttlTooShorts     atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats, cheap to pass around for
// logging or metrics exposition.
type Snapshot struct {
	Hits             uint64
	Misses           uint64
	InsertCollisions uint64
	LookupCollisions uint64
	DeferredInserts  uint64
	DeferredLookups  uint64
	TTLTooShorts     uint64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:             s.hits.Load(),
		Misses:           s.misses.Load(),
		InsertCollisions: s.insertCollisions.Load(),
		LookupCollisions: s.lookupCollisions.Load(),
		DeferredInserts:  s.deferredInserts.Load(),
		DeferredLookups:  s.deferredLookups.Load(),
		TTLTooShorts:     s.ttlTooShorts.Load(),
	}
}

// HitRate returns hits / (hits + misses) as a percentage, or 0 if
// neither has ever happened.
func (s Snapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
