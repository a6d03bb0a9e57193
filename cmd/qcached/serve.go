package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/qcache/config"
	"github.com/semihalev/qcache/metrics"
	"github.com/semihalev/qcache/qcache"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a standalone qcache instance with metrics and background maintenance",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "qcache.toml", "location of the config file, if not found it will be generated")
}

func parseLevel(s string) zlog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zlog.LevelDebug
	case "warn", "warning":
		return zlog.LevelWarn
	case "error":
		return zlog.LevelError
	case "crit", "critical":
		return zlog.LevelFatal
	default:
		return zlog.LevelInfo
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath, BuildVersion)
	if err != nil {
		return err
	}

	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(parseLevel(cfg.LogLevel))
	zlog.SetDefault(logger)

	zlog.Info("Starting qcached", "version", BuildVersion)

	watcher, err := config.NewWatcher(serveConfigPath, cfg)
	if err != nil {
		zlog.Warn("Config hot-reload disabled", "error", err.Error())
	} else {
		defer watcher.Close()
	}

	cache := qcache.New(qcache.Config{
		ShardCount:           cfg.ShardCount,
		MaxEntries:           cfg.CacheSize,
		MaxTTL:               cfg.MaxTTL,
		MinTTL:               cfg.MinTTL,
		TempFailureTTL:       cfg.TempFailureTTL,
		StaleTTL:             cfg.StaleTTL,
		DontAge:              cfg.DontAge,
		DeferrableInsertLock: cfg.DeferrableInsertLock,
	})
	defer cache.Close()

	m := metrics.New(cache)

	if cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsBind, Handler: mux}
		go func() {
			zlog.Info("Metrics endpoint listening", "addr", cfg.MetricsBind)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zlog.Error("Metrics server failed", "error", err.Error())
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go maintenanceLoop(ctx, cache, watcher, m, cfg.PurgeInterval.Duration)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zlog.Info("Stopping qcached")
	return nil
}

// maintenanceLoop periodically purges expired entries, falls back to
// arbitrary eviction if that alone doesn't bring the cache under its
// expunge target, and polls Stats into the metrics collectors. The purge
// runs every purgeInterval, or every minute when that is not positive.
func maintenanceLoop(ctx context.Context, cache *qcache.Cache, watcher *config.Watcher, m *metrics.Metrics, purgeInterval time.Duration) {
	interval := purgeInterval
	if interval <= 0 {
		interval = time.Minute
	}
	statsTick := time.NewTicker(time.Second)
	defer statsTick.Stop()

	purgeTick := time.NewTicker(interval)
	defer purgeTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTick.C:
			m.Collect()
		case <-purgeTick.C:
			runMaintenance(cache, watcher)
		}
	}
}

func runMaintenance(cache *qcache.Cache, watcher *config.Watcher) {
	if !cache.IsFull() {
		return
	}

	current := 0.9
	if watcher != nil {
		current = watcher.Current().ExpungeTarget
	}

	size := cache.Size()
	target := uint64(current * float64(size))

	cache.PurgeExpired(target)
	if cache.Size() > target {
		cache.Expunge(target)
	}
}
