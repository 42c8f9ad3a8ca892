package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultStatsInterval = 15 * time.Second

// Sizer reports the number of stored cache entries.
type Sizer interface {
	Len() int
}

// CacheStatsWorker periodically samples the cache size into a gauge.
// It never touches the entries themselves; stale entries are left for
// the next write to replace.
type CacheStatsWorker struct {
	store    Sizer
	gauge    prometheus.Gauge
	interval time.Duration
}

// NewCacheStatsWorker creates a CacheStatsWorker. A non-positive interval
// uses the default of 15s.
func NewCacheStatsWorker(store Sizer, gauge prometheus.Gauge, interval time.Duration) *CacheStatsWorker {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &CacheStatsWorker{store: store, gauge: gauge, interval: interval}
}

// Name returns the worker identifier.
func (w *CacheStatsWorker) Name() string { return "cache_stats" }

// Run samples once immediately, then on every tick until ctx is cancelled.
func (w *CacheStatsWorker) Run(ctx context.Context) error {
	w.sample(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sample(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CacheStatsWorker) sample(ctx context.Context) {
	n := w.store.Len()
	w.gauge.Set(float64(n))
	slog.LogAttrs(ctx, slog.LevelDebug, "cache stats",
		slog.Int("entries", n),
	)
}
