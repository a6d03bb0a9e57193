// Package qcache implements an in-memory, sharded, TTL-bounded packet
// cache for DNS responses. It keys an incoming query to a previously
// observed wire-format response via fingerprint.Key and serves that
// response back, rewritten with the caller's transaction id and aged
// TTLs, on a hit.
//
// The cache is built for the request hot path: Get never blocks (a
// failed try-lock is reported as a miss), Insert can optionally avoid
// blocking too, and every failure mode short of a malformed packet is
// an in-band false/no-op, most of them counted in Stats, never an error
// or a retry.
package qcache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/qcache/fingerprint"
	"github.com/semihalev/qcache/wire"
)

// Config configures a Cache at construction time. ShardCount and
// MaxEntries are fixed for the Cache's lifetime; the shard array is
// sized once and never resized.
type Config struct {
	// ShardCount is the number of lock stripes. Must be >= 1.
	ShardCount uint32
	// MaxEntries bounds the total number of entries across all shards.
	MaxEntries uint64

	// MaxTTL caps the TTL of positive responses; a positive response
	// whose TTL is below MinTTL is not cached at all.
	MaxTTL, MinTTL uint32
	// TempFailureTTL is the TTL used for ServFail/Refused responses,
	// unless Insert is given an explicit override.
	TempFailureTTL uint32
	// StaleTTL is the grace window during which an expired entry can
	// still be served as stale, if the caller's allowExpired covers it.
	StaleTTL uint32

	// DontAge disables TTL aging on Get entirely.
	DontAge bool
	// DeferrableInsertLock makes Insert use a non-blocking try-lock
	// instead of blocking for the shard's write lock.
	DeferrableInsertLock bool
}

// Cache is a sharded, TTL-bounded packet cache for DNS responses. The
// zero value is not usable; construct with New.
type Cache struct {
	shards     []*shard
	shardCount uint32
	maxEntries uint64

	maxTTL, minTTL uint32
	tempFailureTTL uint32
	staleTTL       uint32

	dontAge              bool
	deferrableInsertLock bool

	expungeCursor atomic.Uint32

	stats *Stats
	index *nameIndex

	// now is overridden in tests; production callers get time.Now.
	now func() time.Time
}

// New constructs a Cache. The shard array's length and the cache's
// total capacity are fixed for the returned Cache's lifetime.
func New(cfg Config) *Cache {
	if cfg.ShardCount == 0 {
		cfg.ShardCount = 1
	}

	perShard := int(cfg.MaxEntries / uint64(cfg.ShardCount))
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = newShard(perShard)
	}

	return &Cache{
		shards:               shards,
		shardCount:           cfg.ShardCount,
		maxEntries:           cfg.MaxEntries,
		maxTTL:               cfg.MaxTTL,
		minTTL:               cfg.MinTTL,
		tempFailureTTL:       cfg.TempFailureTTL,
		staleTTL:             cfg.StaleTTL,
		dontAge:              cfg.DontAge,
		deferrableInsertLock: cfg.DeferrableInsertLock,
		stats:                &Stats{},
		index:                newNameIndex(),
		now:                  time.Now,
	}
}

// Stats returns a snapshot of the cache's diagnostic counters.
func (c *Cache) Stats() Snapshot { return c.stats.Snapshot() }

func (c *Cache) perShardCap() uint64 { return c.maxEntries / uint64(c.shardCount) }

func (c *Cache) shardFor(key uint32) *shard { return c.shards[key%c.shardCount] }

// Insert stores a response under key, the fingerprint of the query
// that produced it (normally the key a prior Get call returned). It is
// a pure policy-driven no-op on any of: a too-short response, a
// ServFail/Refused response whose effective TTL resolves to zero, a
// response with no extractable TTL, a TTL below MinTTL, a full target
// shard, a failed try-lock under DeferrableInsertLock, or a hash
// collision against a live, distinct entry. Of these, only the TTL
// below MinTTL, the failed try-lock and the collision bump a Stats
// counter; the others leave no trace.
//
// overrideTempTTL, if non-nil, replaces Config.TempFailureTTL for this
// one insert — the dnsdist-style per-call temp-failure TTL override.
func (c *Cache) Insert(key uint32, qname string, qtype, qclass uint16, response []byte, tcp bool, rcode int, overrideTempTTL *uint32) {
	if len(response) < 12 {
		return
	}

	var effectiveTTL uint32
	switch rcode {
	case dns.RcodeServerFailure, dns.RcodeRefused:
		if overrideTempTTL != nil {
			effectiveTTL = *overrideTempTTL
		} else {
			effectiveTTL = c.tempFailureTTL
		}
		if effectiveTTL == 0 {
			return
		}
	default:
		ttl := wire.MinTTL(response)
		if ttl == wire.NoTTL {
			return
		}
		if ttl > c.maxTTL {
			ttl = c.maxTTL
		}
		if ttl < c.minTTL {
			c.stats.ttlTooShorts.Add(1)
			return
		}
		effectiveTTL = ttl
	}

	sh := c.shardFor(key)

	// Unlocked, best-effort capacity check: the goal is to avoid
	// paying for a lock acquisition on an already-full shard, not to
	// be race-free. The authoritative check happens again below, under
	// the lock.
	if uint64(sh.count.Load()) >= c.perShardCap() {
		return
	}

	now := c.now().Unix()
	payload := make([]byte, len(response))
	copy(payload, response)
	newEntry := &Entry{
		Qname:     qname,
		Qtype:     qtype,
		Qclass:    qclass,
		Transport: tcp,
		Added:     now,
		Validity:  now + int64(effectiveTTL),
		Payload:   payload,
	}

	if c.deferrableInsertLock {
		if !sh.mu.TryLock() {
			c.stats.deferredInserts.Add(1)
			return
		}
	} else {
		sh.mu.Lock()
	}
	defer sh.mu.Unlock()

	c.insertLocked(sh, key, newEntry, now)
}

// insertLocked performs the actual insert/replace decision. The caller
// must hold sh.mu for writing.
func (c *Cache) insertLocked(sh *shard, key uint32, newEntry *Entry, now int64) {
	// Re-check under the lock to close the race the unlocked pre-check
	// leaves open. The comparison is deliberately >=, not >, matching
	// the source this cache is modeled on (see DESIGN.md).
	if uint64(sh.count.Load()) >= c.perShardCap() {
		return
	}

	existing, ok := sh.m[key]
	if !ok {
		sh.m[key] = newEntry
		sh.count.Add(1)
		c.index.add(newEntry.Qname, key)
		return
	}

	// Collision: another entry already occupies this key.
	wasExpired := existing.Validity <= now
	if !wasExpired && !existing.matches(newEntry.Qname, newEntry.Qtype, newEntry.Qclass, newEntry.Transport) {
		c.stats.insertCollisions.Add(1)
		return
	}

	// Either the existing entry expired, or it's genuinely the same
	// question re-inserted. Never shorten the time-to-death.
	if newEntry.Validity <= existing.Validity {
		return
	}

	if existing.Qname != newEntry.Qname {
		c.index.remove(existing.Qname, key)
		c.index.add(newEntry.Qname, key)
	}
	sh.m[key] = newEntry
}

// Result carries the outcome of a Get call. Key is always populated,
// even on a miss or a deferred lookup, because callers rely on it to
// know which key to Insert against next.
type Result struct {
	Key   uint32
	Hit   bool
	Stale bool
	Len   int
}

// Get looks up the response for a query. packet is the raw query
// including its 12-byte header; consumed is the wire length of its
// question name. qname/qtype/qclass/tcp describe the same query in
// decoded form, for the match check that guards against hash
// collisions. txnID is written into the first two bytes of a
// successful response. allowExpired is the serve-stale grace window in
// seconds; skipAging disables TTL aging for this call only (Config's
// DontAge disables it globally).
//
// out must be at least as large as the stored response or Get returns
// false without touching any Stats counter — an inadequate buffer is
// the caller's bug, not a cache miss.
func (c *Cache) Get(packet []byte, consumed int, qname string, qtype, qclass uint16, tcp bool, txnID uint16, out []byte, allowExpired uint32, skipAging bool) (Result, error) {
	key, err := fingerprint.Key(packet, consumed, tcp)
	if err != nil {
		return Result{}, err
	}
	res := Result{Key: key}

	sh := c.shardFor(key)
	if !sh.mu.TryRLock() {
		c.stats.deferredLookups.Add(1)
		return res, nil
	}

	now := c.now().Unix()

	entry, found := sh.m[key]
	if !found {
		sh.mu.RUnlock()
		c.stats.misses.Add(1)
		return res, nil
	}

	stale := false
	if entry.Validity < now {
		if now-entry.Validity >= int64(allowExpired) {
			sh.mu.RUnlock()
			c.stats.misses.Add(1)
			return res, nil
		}
		stale = true
	}

	if len(out) < len(entry.Payload) || len(entry.Payload) < 12 {
		sh.mu.RUnlock()
		return res, nil
	}

	if !entry.matches(qname, qtype, qclass, tcp) {
		sh.mu.RUnlock()
		c.stats.lookupCollisions.Add(1)
		return res, nil
	}

	out[0] = byte(txnID >> 8)
	out[1] = byte(txnID)
	copy(out[2:12], entry.Payload[2:12])

	if len(entry.Payload) == 12 {
		res.Len = 12
		res.Hit = true
		sh.mu.RUnlock()
		c.stats.hits.Add(1)
		return res, nil
	}

	// Echo the caller's own qname encoding and case, never the stored
	// one: two queries can hit the same entry with different encodings
	// of the same name (e.g. label case) and each must see its own
	// bytes reflected back.
	qnameWire := packet[12 : 12+consumed]
	qnameLen := len(qnameWire)

	if len(entry.Payload) < 12+qnameLen {
		sh.mu.RUnlock()
		return res, nil
	}
	copy(out[12:12+qnameLen], qnameWire)
	if len(entry.Payload) > 12+qnameLen {
		copy(out[12+qnameLen:len(entry.Payload)], entry.Payload[12+qnameLen:])
	}
	res.Len = len(entry.Payload)

	var age int64
	if !stale {
		age = now - entry.Added
	} else {
		age = (entry.Validity - entry.Added) - int64(c.staleTTL)
	}

	sh.mu.RUnlock()

	res.Hit = true
	res.Stale = stale
	c.stats.hits.Add(1)

	if !c.dontAge && !skipAging {
		res.Len = wire.AgeResponse(out, res.Len, age)
	}

	return res, nil
}

// PurgeExpired reduces the cache to at most upTo entries by deleting
// only expired entries, starting from the shard after the one the
// previous call left off at and proceeding circularly. It stops as
// soon as enough entries have been removed or every shard has been
// visited once; live entries are never touched even if the target
// isn't met.
func (c *Cache) PurgeExpired(upTo uint64) {
	size := c.Size()
	if upTo >= size {
		return
	}
	toRemove := size - upTo
	now := c.now().Unix()

	for scanned := uint32(0); toRemove > 0 && scanned < c.shardCount; scanned++ {
		idx := c.expungeCursor.Add(1) - 1
		sh := c.shards[idx%c.shardCount]

		sh.mu.Lock()
		for key, e := range sh.m {
			if toRemove == 0 {
				break
			}
			if e.Validity < now {
				delete(sh.m, key)
				sh.count.Add(-1)
				c.index.remove(e.Qname, key)
				toRemove--
			}
		}
		sh.mu.Unlock()
	}
}

// Expunge reduces the cache to at most upTo entries by removing
// arbitrary entries — it does not consult TTLs at all. The removal
// quota is distributed proportionally across the remaining shards,
// each shard's quota being what is still to remove divided by the
// number of shards left. A shard with fewer entries than its quota is
// emptied, and the shortfall is spread over the later shards' quotas;
// a shortfall in the last shard is not made up, so the cache can stay
// above upTo. This is bounded arbitrary eviction, not LRU: there is no
// access-time tracking to make it anything else.
func (c *Cache) Expunge(upTo uint64) {
	size := c.Size()
	if upTo >= size {
		return
	}
	toRemove := size - upTo
	var removed uint64

	for i := uint32(0); i < c.shardCount; i++ {
		sh := c.shards[i]
		sh.mu.Lock()

		quota := (toRemove - removed) / uint64(c.shardCount-i)

		if uint64(sh.count.Load()) >= quota {
			var n uint64
			for key, e := range sh.m {
				if n >= quota {
					break
				}
				delete(sh.m, key)
				c.index.remove(e.Qname, key)
				n++
			}
			sh.count.Add(-int64(n))
			removed += n
		} else {
			n := uint64(sh.count.Load())
			for key, e := range sh.m {
				delete(sh.m, key)
				c.index.remove(e.Qname, key)
			}
			sh.count.Store(0)
			removed += n
		}

		sh.mu.Unlock()
	}
}

// ExpungeByName removes every entry whose qname equals name, or (when
// suffixMatch is set) is a subdomain of it, restricted to qtype unless
// qtype is dns.TypeANY.
//
// The exact-match case (suffixMatch == false) consults the cache's
// name index and only touches the shards holding a real candidate; the
// suffix-match case has no index to consult and walks every shard, as
// the algorithm it's modeled on does.
func (c *Cache) ExpungeByName(name string, qtype uint16, suffixMatch bool) {
	if !suffixMatch {
		for _, key := range c.index.keysFor(name) {
			sh := c.shardFor(key)
			sh.mu.Lock()
			if e, ok := sh.m[key]; ok && e.Qname == name && (qtype == dns.TypeANY || e.Qtype == qtype) {
				delete(sh.m, key)
				sh.count.Add(-1)
				c.index.remove(e.Qname, key)
			}
			sh.mu.Unlock()
		}
		return
	}

	for i := uint32(0); i < c.shardCount; i++ {
		sh := c.shards[i]
		sh.mu.Lock()
		for key, e := range sh.m {
			if (e.Qname == name || dns.IsSubDomain(name, e.Qname)) && (qtype == dns.TypeANY || e.Qtype == qtype) {
				delete(sh.m, key)
				sh.count.Add(-1)
				c.index.remove(e.Qname, key)
			}
		}
		sh.mu.Unlock()
	}
}

// Size sums per-shard counts without locking any of them: a best-effort
// snapshot consistent with any single shard's count but not globally
// atomic across shards.
func (c *Cache) Size() uint64 {
	var total uint64
	for _, sh := range c.shards {
		total += uint64(sh.count.Load())
	}
	return total
}

// IsFull reports whether the cache has reached its configured capacity.
func (c *Cache) IsFull() bool { return c.Size() >= c.maxEntries }

// String renders "{size}/{max_entries}".
func (c *Cache) String() string {
	return fmt.Sprintf("%d/%d", c.Size(), c.maxEntries)
}

// Close drains every shard's write lock in turn before returning,
// guaranteeing no writer is left mid-mutation on a shard whose backing
// map the caller is about to drop. It does not otherwise release any
// resource; a Cache has nothing to close but its in-flight writers.
func (c *Cache) Close() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.mu.Unlock() //nolint:staticcheck // intentional lock/unlock drain, not a no-op critical section
	}
}
