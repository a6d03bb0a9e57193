// Package config loads and hot-reloads qcached's TOML configuration.
package config

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Config is qcached's full runtime configuration. ShardCount and
// CacheSize are read once at startup and never change afterwards, even
// across a hot reload — resizing the shard array would require
// re-hashing every live entry, which the cache is not built to do
// while serving traffic. Every other field is safe to change on a
// running process and is picked up by a Watcher's reload.
type Config struct {
	Version string

	// ShardCount is the number of lock stripes in the cache. Fixed at
	// startup.
	ShardCount uint32
	// CacheSize is the total number of entries the cache may hold
	// across all shards. Fixed at startup.
	CacheSize uint64

	// MaxTTL caps the TTL of cached positive responses, in seconds; a
	// positive response whose TTL is below MinTTL is not cached at all.
	MaxTTL uint32
	MinTTL uint32
	// TempFailureTTL is the TTL applied to cached ServFail/Refused
	// responses, in seconds. Zero disables caching them.
	TempFailureTTL uint32
	// StaleTTL is how many seconds past expiry an entry may still be
	// served when a caller allows it.
	StaleTTL uint32

	// DontAge disables TTL aging on cache hits entirely, serving the
	// response's TTL unchanged.
	DontAge bool
	// DeferrableInsertLock makes inserts skip a shard that's currently
	// write-locked instead of blocking for it.
	DeferrableInsertLock bool

	// PurgeInterval is how often the background purge loop runs.
	PurgeInterval Duration
	// ExpungeTarget is the fraction (0, 1] of CacheSize the purge loop
	// tries to fall back to once the cache is full: PurgeExpired first,
	// then Expunge if that alone wasn't enough.
	ExpungeTarget float64

	LogLevel    string
	MetricsBind string

	CookieSecret string

	sVersion string
}

// ServerVersion returns the running binary's version, as passed to
// Load, distinct from the config file's own Version field.
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration wraps time.Duration so it can be unmarshalled from a TOML
// string value like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Number of lock stripes the cache is split across. Fixed at startup;
# changing it requires a restart.
shardcount = 64

# Total number of entries the cache may hold across all shards. Fixed
# at startup; changing it requires a restart.
cachesize = 1000000

# Maximum TTL applied to cached positive responses, in seconds.
maxttl = 86400

# Minimum TTL a positive response must carry to be cached at all, in
# seconds. Responses below this are never inserted.
minttl = 0

# TTL applied to cached ServFail/Refused responses, in seconds. 0
# disables caching them.
tempfailurettl = 30

# Grace window past expiry during which a stale entry can still be
# served, in seconds.
stalettl = 60

# Disable TTL aging on cache hits, serving the stored TTL unchanged.
dontage = false

# Skip a shard that's currently write-locked instead of blocking for
# it on insert. Trades a rare avoidable insert for lower tail latency
# under contention.
deferrableinsertlock = false

# How often the background purge loop runs.
purgeinterval = "1m"

# Fraction of cachesize the purge loop tries to fall back to once the
# cache reports full.
expungetarget = 0.9

# Log verbosity level [crit,error,warn,info,debug]
loglevel = "info"

# Address to bind to for the Prometheus /metrics endpoint, left blank
# for disabled.
metricsbind = "127.0.0.1:9090"
`

// Load loads the given config file, generating a default one at that
// path first if it doesn't exist.
func Load(cfgfile, version string) (*Config, error) {
	cfg := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, cfg); err != nil {
		return nil, fmt.Errorf("could not load config: %s", err)
	}

	if cfg.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	cfg.sVersion = version

	if cfg.CookieSecret == "" {
		var v uint64
		if err := binary.Read(rand.Reader, binary.BigEndian, &v); err != nil {
			return nil, err
		}
		cfg.CookieSecret = fmt.Sprintf("%16x", v)
	}

	if cfg.ShardCount == 0 {
		cfg.ShardCount = 1
	}
	if cfg.ExpungeTarget <= 0 || cfg.ExpungeTarget > 1 {
		cfg.ExpungeTarget = 0.9
	}

	return cfg, nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %s", err)
	}

	defer func() {
		if err := output.Close(); err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %s", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}

// mutableFields lists the TOML keys a Watcher's reload changes on a
// running Config. shardcount and cachesize are deliberately absent:
// the cache's shard array is sized once at construction and never
// resized, so changing either here would silently desync the config
// from the live cache.
var mutableFields = map[string]bool{
	"maxttl":               true,
	"minttl":               true,
	"tempfailurettl":       true,
	"stalettl":             true,
	"dontage":              true,
	"deferrableinsertlock": true,
	"purgeinterval":        true,
	"expungetarget":        true,
	"loglevel":             true,
}

// Watcher hot-reloads the mutable subset of a Config from its backing
// file whenever the file changes on disk. It never touches ShardCount
// or CacheSize.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cur *Config

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching cfgfile for changes, applying mutable
// field updates onto initial as they arrive. Call Close to stop.
func NewWatcher(cfgfile string, initial *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(cfgfile)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    cfgfile,
		cur:     initial,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				zlog.Error("Config reload failed", "error", err.Error())
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Config watcher error", "error", err.Error())
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() error {
	var raw map[string]interface{}
	if _, err := toml.DecodeFile(w.path, &raw); err != nil {
		return fmt.Errorf("could not parse config for reload: %s", err)
	}

	loaded := new(Config)
	if _, err := toml.DecodeFile(w.path, loaded); err != nil {
		return fmt.Errorf("could not decode config for reload: %s", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	applied := 0
	for key := range raw {
		if !mutableFields[strings.ToLower(key)] {
			continue
		}
		applied++
	}

	w.cur.MaxTTL = loaded.MaxTTL
	w.cur.MinTTL = loaded.MinTTL
	w.cur.TempFailureTTL = loaded.TempFailureTTL
	w.cur.StaleTTL = loaded.StaleTTL
	w.cur.DontAge = loaded.DontAge
	w.cur.DeferrableInsertLock = loaded.DeferrableInsertLock
	w.cur.PurgeInterval = loaded.PurgeInterval
	w.cur.ExpungeTarget = loaded.ExpungeTarget
	w.cur.LogLevel = loaded.LogLevel

	zlog.Info("Config reloaded", "fields_seen", applied)
	return nil
}

// Current returns a copy of the config's current mutable fields.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return *w.cur
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
