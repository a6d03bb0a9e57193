package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesDefaultConfig(t *testing.T) {
	const configFile = "qcache_test.toml"
	defer os.Remove(configFile)

	cfg, err := Load(configFile, "0.0.0")
	require.NoError(t, err)

	assert.EqualValues(t, 64, cfg.ShardCount)
	assert.EqualValues(t, 1000000, cfg.CacheSize)
	assert.EqualValues(t, 86400, cfg.MaxTTL)
	assert.EqualValues(t, 30, cfg.TempFailureTTL)
	assert.EqualValues(t, 60, cfg.StaleTTL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0", cfg.ServerVersion())
	assert.NotEmpty(t, cfg.CookieSecret)
}

func TestLoadRejectsUnwritableFile(t *testing.T) {
	_, err := Load("", "0.0.0")
	assert.Error(t, err)
}

func TestWatcherReloadsMutableFieldsOnly(t *testing.T) {
	const configFile = "qcache_watch_test.toml"
	defer os.Remove(configFile)

	cfg, err := Load(configFile, "0.0.0")
	require.NoError(t, err)

	w, err := NewWatcher(configFile, cfg)
	require.NoError(t, err)
	defer w.Close()

	f, err := os.OpenFile(configFile, os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`
version = "1.0.0"
shardcount = 999
cachesize = 999
maxttl = 100
minttl = 0
tempfailurettl = 5
stalettl = 10
dontage = true
deferrableinsertlock = true
purgeinterval = "30s"
expungetarget = 0.5
loglevel = "debug"
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().LogLevel == "debug" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	current := w.Current()
	assert.Equal(t, "debug", current.LogLevel)
	assert.EqualValues(t, 100, current.MaxTTL)
	assert.EqualValues(t, 64, current.ShardCount, "shardcount must never change on reload")
	assert.EqualValues(t, 1000000, current.CacheSize, "cachesize must never change on reload")
}
