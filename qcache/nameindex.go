package qcache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// nameIndexSegments controls how many independent locks the name index
// spreads across, the same segmented-map idiom the cache's own shards
// use for the primary key space.
const nameIndexSegments = 64

// nameIndex is a secondary, best-effort index from a canonical qname to
// the set of cache keys currently stored under that name. ExpungeByName
// uses it to avoid a full shard scan for the common exact-match purge;
// a suffix-match purge still walks every shard, since a hash index
// can't answer "is a subdomain of" queries.
//
// Every mutation happens while the caller already holds the owning
// shard's write lock (inserts, replacements and deletes all go through
// that lock for a given key), so the index never observes a key
// mid-transition between two names.
type nameIndex struct {
	segments [nameIndexSegments]nameIndexSegment
}

type nameIndexSegment struct {
	mu   sync.Mutex
	keys map[string]map[uint32]struct{}
}

func newNameIndex() *nameIndex {
	ni := &nameIndex{}
	for i := range ni.segments {
		ni.segments[i].keys = make(map[string]map[uint32]struct{})
	}
	return ni
}

func (ni *nameIndex) segmentFor(name string) *nameIndexSegment {
	h := xxhash.Sum64String(name)
	return &ni.segments[h%uint64(nameIndexSegments)]
}

func (ni *nameIndex) add(name string, key uint32) {
	seg := ni.segmentFor(name)
	seg.mu.Lock()
	set := seg.keys[name]
	if set == nil {
		set = make(map[uint32]struct{}, 1)
		seg.keys[name] = set
	}
	set[key] = struct{}{}
	seg.mu.Unlock()
}

func (ni *nameIndex) remove(name string, key uint32) {
	seg := ni.segmentFor(name)
	seg.mu.Lock()
	if set, ok := seg.keys[name]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(seg.keys, name)
		}
	}
	seg.mu.Unlock()
}

// keysFor returns the keys currently indexed under name. The result is
// a hint: by the time the caller acquires the relevant shard lock, a
// key may have already been removed or reused, which is why every
// caller re-checks the entry under the shard lock before acting on it.
func (ni *nameIndex) keysFor(name string) []uint32 {
	seg := ni.segmentFor(name)
	seg.mu.Lock()
	defer seg.mu.Unlock()

	set, ok := seg.keys[name]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
