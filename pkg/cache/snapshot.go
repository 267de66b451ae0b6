package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotLoader returns the complete entry set from the authoritative store.
// Each call replaces the previous snapshot wholesale; there is no per-key
// invalidation.
type SnapshotLoader[V any] func(ctx context.Context) (map[string]V, error)

// SnapshotCacheConfig configures one snapshot cache instance.
type SnapshotCacheConfig struct {
	// Name appears in logs and readiness output.
	Name string
	// RefreshInterval is how often the loader is re-run. Defaults to 30s.
	RefreshInterval time.Duration
	// RefreshTimeout bounds a single loader call. Defaults to the refresh
	// interval.
	RefreshTimeout time.Duration
}

// SnapshotStats is a point-in-time view of cache effectiveness.
type SnapshotStats struct {
	Size            int
	Hits            int64
	Misses          int64
	HitRate         float64
	LastRefresh     time.Time
	RefreshFailures int64
}

// snapshot is one immutable generation of cache contents. Readers hold a
// pointer to a generation; refreshes swap the pointer and never mutate a
// published map.
type snapshot[V any] struct {
	entries     map[string]V
	refreshedAt time.Time
}

// SnapshotCache holds a periodically refreshed, read-only copy of a small
// authoritative data set, keyed by string. Lookups are lock-free and answer
// from the current snapshot only, so a slow or failing store never stalls the
// hot path. Staleness is bounded by the refresh interval.
type SnapshotCache[V any] struct {
	cfg    SnapshotCacheConfig
	load   SnapshotLoader[V]
	logger zerolog.Logger

	current  atomic.Pointer[snapshot[V]]
	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSnapshotCache creates a snapshot cache around the given loader. The
// cache serves nothing until Start has completed the initial load.
func NewSnapshotCache[V any](cfg SnapshotCacheConfig, load SnapshotLoader[V], logger zerolog.Logger) (*SnapshotCache[V], error) {
	if load == nil {
		return nil, errors.New("snapshot loader cannot be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "snapshot"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = cfg.RefreshInterval
	}
	return &SnapshotCache[V]{
		cfg:    cfg,
		load:   load,
		logger: logger.With().Str("component", "SnapshotCache").Str("cache", cfg.Name).Logger(),
	}, nil
}

// Start performs the initial full load and then begins the periodic refresh.
// The initial load must succeed: an unreachable store at startup is a
// configuration problem, not a condition to limp through with an empty cache.
func (c *SnapshotCache[V]) Start(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		return fmt.Errorf("initial load of %s cache: %w", c.cfg.Name, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.refreshLoop(runCtx)
	c.logger.Info().Dur("refresh_interval", c.cfg.RefreshInterval).Int("entries", c.Stats().Size).Msg("Snapshot cache started.")
	return nil
}

// Get answers from the current snapshot only. It never reaches the store and
// never blocks on a refresh in progress.
func (c *SnapshotCache[V]) Get(key string) (V, bool) {
	var zero V
	snap := c.current.Load()
	if snap == nil {
		c.misses.Add(1)
		return zero, false
	}
	value, ok := snap.entries[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return value, true
}

// Stats reports current size, hit and miss counters, and the time of the
// last successful refresh. A zero LastRefresh means the initial load has not
// completed.
func (c *SnapshotCache[V]) Stats() SnapshotStats {
	stats := SnapshotStats{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		RefreshFailures: c.failures.Load(),
	}
	if snap := c.current.Load(); snap != nil {
		stats.Size = len(snap.entries)
		stats.LastRefresh = snap.refreshedAt
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Stop halts the refresh loop. The final snapshot stays readable so late
// callers during shutdown still get answers.
func (c *SnapshotCache[V]) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info().Msg("Snapshot cache stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SnapshotCache[V]) refresh(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()

	entries, err := c.load(loadCtx)
	if err != nil {
		return err
	}
	c.current.Store(&snapshot[V]{entries: entries, refreshedAt: time.Now().UTC()})
	return nil
}

// refreshLoop re-runs the loader on the configured interval. A failed
// refresh is counted and logged, and the previous snapshot remains in
// service: stale entries are acceptable, an emptied cache is not.
func (c *SnapshotCache[V]) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				c.failures.Add(1)
				c.logger.Warn().Err(err).Msg("Cache refresh failed; previous snapshot remains in service.")
			}
		}
	}
}
