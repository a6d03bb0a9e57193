package main

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/qcache/qcache"
	"github.com/spf13/cobra"
)

var (
	benchConcurrency int
	benchQueries     int
	benchDomains     int
	benchShardCount  uint32
	benchCacheSize   uint64
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run an in-process insert/get workload against a qcache instance",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchConcurrency, "concurrency", "c", 8, "number of concurrent workers")
	benchCmd.Flags().IntVarP(&benchQueries, "queries", "n", 200000, "total number of lookups to issue")
	benchCmd.Flags().IntVar(&benchDomains, "domains", 5000, "size of the synthetic domain pool")
	benchCmd.Flags().Uint32Var(&benchShardCount, "shards", 64, "cache shard count")
	benchCmd.Flags().Uint64Var(&benchCacheSize, "cache-size", 1_000_000, "cache capacity")
}

type benchStats struct {
	hits, misses uint64
	latencies    chan time.Duration
}

func runBench(cmd *cobra.Command, args []string) error {
	cache := qcache.New(qcache.Config{
		ShardCount:     benchShardCount,
		MaxEntries:     benchCacheSize,
		MaxTTL:         3600,
		TempFailureTTL: 30,
		StaleTTL:       60,
	})
	defer cache.Close()

	domains := make([]string, benchDomains)
	for i := range domains {
		domains[i] = fmt.Sprintf("host-%d.bench.internal.", i)
	}

	stats := &benchStats{latencies: make(chan time.Duration, benchQueries)}

	fmt.Printf("qcache bench: %d queries, %d workers, %d domains, cache=%d/%d shards\n",
		benchQueries, benchConcurrency, benchDomains, benchCacheSize, benchShardCount)

	start := time.Now()

	var wg sync.WaitGroup
	perWorker := benchQueries / benchConcurrency
	wg.Add(benchConcurrency)
	for w := 0; w < benchConcurrency; w++ {
		go func(seed int64) {
			defer wg.Done()
			runBenchWorker(cache, domains, perWorker, seed, stats)
		}(int64(w))
	}
	wg.Wait()
	close(stats.latencies)

	elapsed := time.Since(start)
	printBenchResults(stats, elapsed)
	return nil
}

// sharedGroup collapses concurrent misses across all bench workers onto
// one upstream "fetch" per cold key, the same way a real deployment's
// resolver would share one qcache.InsertGroup across its query paths.
var sharedGroup qcache.InsertGroup

func runBenchWorker(cache *qcache.Cache, domains []string, n int, seed int64, stats *benchStats) {
	rng := rand.New(rand.NewSource(seed + time.Now().UnixNano()))
	out := make([]byte, 4096)

	for i := 0; i < n; i++ {
		name := dns.Fqdn(domains[rng.Intn(len(domains))])

		m := new(dns.Msg)
		m.SetQuestion(name, dns.TypeA)
		m.Id = uint16(rng.Intn(1 << 16))
		packet, err := m.Pack()
		if err != nil {
			continue
		}
		nameOff, err := dns.PackDomainName(name, make([]byte, 255), 0, nil, false)
		if err != nil {
			continue
		}

		t0 := time.Now()
		res, err := cache.Get(packet, nameOff, name, dns.TypeA, dns.ClassINET, false, m.Id, out, 0, false)
		if err != nil {
			continue
		}

		if res.Hit {
			atomic.AddUint64(&stats.hits, 1)
		} else {
			atomic.AddUint64(&stats.misses, 1)
			sharedGroup.Do(cache, res.Key, name, dns.TypeA, dns.ClassINET, false, func() ([]byte, int, error) {
				resp := new(dns.Msg)
				resp.SetReply(m)
				rr, err := dns.NewRR(name + " 300 IN A 127.0.0.1")
				if err != nil {
					return nil, 0, err
				}
				resp.Answer = append(resp.Answer, rr)
				respBuf, err := resp.Pack()
				if err != nil {
					return nil, 0, err
				}
				return respBuf, dns.RcodeSuccess, nil
			})
		}

		stats.latencies <- time.Since(t0)
	}
}

func printBenchResults(stats *benchStats, elapsed time.Duration) {
	hits := atomic.LoadUint64(&stats.hits)
	misses := atomic.LoadUint64(&stats.misses)
	total := hits + misses

	lat := make([]time.Duration, 0, total)
	for d := range stats.latencies {
		lat = append(lat, d)
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	p50, p99 := percentile(lat, 0.50), percentile(lat, 0.99)

	fmt.Printf("done in %s: %d ops (%.0f ops/s), hit rate %.1f%%, p50=%s p99=%s\n",
		elapsed, total, float64(total)/elapsed.Seconds(),
		float64(hits)/float64(total)*100, p50, p99)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
