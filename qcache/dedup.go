package qcache

import (
	"strconv"

	"golang.org/x/sync/singleflight"
)

// InsertGroup collapses concurrent misses on the same cold key into a
// single upstream fetch: when several goroutines miss on the same
// question at once, only the first actually calls fetch and Insert,
// and every caller sharing that key gets back the response the first
// one fetched. Without this, a thundering herd of identical misses
// each fetches independently and repeats the Insert, and every Insert
// after the first is dropped against the entry the first one stored.
// Calls that do not overlap in time are not collapsed: each one fetches.
//
// The zero value is ready to use.
type InsertGroup struct {
	group singleflight.Group
}

// Do fetches and inserts the response for key if no other call for the
// same key is already in flight, otherwise it waits for that call and
// returns its result. rcode and tcp describe the response fetch itself
// produces, since Do doesn't know either until fetch returns.
func (g *InsertGroup) Do(cache *Cache, key uint32, qname string, qtype, qclass uint16, tcp bool, fetch func() (response []byte, rcode int, err error)) ([]byte, error) {
	dedupKey := strconv.FormatUint(uint64(key), 10)

	v, err, _ := g.group.Do(dedupKey, func() (interface{}, error) {
		response, rcode, err := fetch()
		if err != nil {
			return nil, err
		}
		cache.Insert(key, qname, qtype, qclass, response, tcp, rcode, nil)
		return response, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Forget drops any in-flight fetch tracked for key, so the next Do call
// for it starts a fresh fetch instead of waiting on a stuck one.
func (g *InsertGroup) Forget(key uint32) {
	g.group.Forget(strconv.FormatUint(uint64(key), 10))
}
