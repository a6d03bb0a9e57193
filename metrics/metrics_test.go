package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/semihalev/qcache/qcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// New registers its collectors against the default Prometheus registry,
// which only tolerates one registration per metric name per process, so
// every case below shares the single Metrics built here.
func TestMetricsCollectTracksDeltas(t *testing.T) {
	cache := qcache.New(qcache.Config{
		ShardCount:     4,
		MaxEntries:     100,
		MaxTTL:         3600,
		TempFailureTTL: 30,
		StaleTTL:       60,
	})

	m := New(cache)
	require.NotNil(t, m)

	m.Collect()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.hits))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.size))

	cache.Stats() // exercise the accessor Collect itself also calls

	// One miss between two polls advances the counter by exactly one,
	// and a further poll with no new traffic adds nothing.
	query := []byte{0, 1, 1, 0, 0, 1, 0, 0, 0, 0, 0, 0, 1, 'x', 0, 0, 1, 0, 1}
	_, err := cache.Get(query, 3, "x.", 1, 1, false, 1, make([]byte, 512), 0, false)
	require.NoError(t, err)

	m.Collect()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.size))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.misses))

	m.Collect()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.misses))
}
