package qcache

import "testing"

func TestSnapshotHitRate(t *testing.T) {
	var s Stats
	s.hits.Store(3)
	s.misses.Store(1)

	snap := s.Snapshot()
	if got, want := snap.HitRate(), 75.0; got != want {
		t.Fatalf("HitRate() = %v, want %v", got, want)
	}
}

func TestSnapshotHitRateNoTraffic(t *testing.T) {
	var s Stats
	if got := s.Snapshot().HitRate(); got != 0 {
		t.Fatalf("HitRate() with no traffic = %v, want 0", got)
	}
}
