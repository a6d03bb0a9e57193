package qcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestInsertGroupCollapsesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t, 1, 1000)
	var group InsertGroup
	var fetches int64

	packet, consumed := buildQuery(t, "herd.example.com", dns.TypeA, false)
	key, err := fingerprintKey(t, packet, consumed, false)
	if err != nil {
		t.Fatalf("fingerprintKey: %v", err)
	}

	// fetch blocks until the whole herd has called Do, so every call is
	// in flight at the same time as the first one.
	release := make(chan struct{})
	fetch := func() ([]byte, int, error) {
		atomic.AddInt64(&fetches, 1)
		<-release
		resp := buildResponse(t, "herd.example.com", dns.TypeA, 300, dns.RcodeSuccess)
		return resp, dns.RcodeSuccess, nil
	}

	var wg, started sync.WaitGroup
	const n = 20
	wg.Add(n)
	started.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			started.Done()
			if _, err := group.Do(c, key, dns.Fqdn("herd.example.com"), dns.TypeA, dns.ClassINET, false, fetch); err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	started.Wait()
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&fetches); got != 1 {
		t.Fatalf("fetches = %d, want exactly 1 for a collapsed herd", got)
	}
	if got := c.Stats().InsertCollisions; got != 0 {
		t.Fatalf("InsertCollisions = %d, want 0: a collapsed herd should only insert once", got)
	}
}

func TestInsertGroupPropagatesFetchError(t *testing.T) {
	c, _ := newTestCache(t, 1, 1000)
	var group InsertGroup

	wantErr := fmt.Errorf("upstream unavailable")
	_, err := group.Do(c, 42, dns.Fqdn("failing.example.com"), dns.TypeA, dns.ClassINET, false, func() ([]byte, int, error) {
		return nil, 0, wantErr
	})
	if err != wantErr {
		t.Fatalf("Do error = %v, want %v", err, wantErr)
	}
}
