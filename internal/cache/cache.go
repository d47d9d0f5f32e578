// Package cache provides caching for rendered plots and transform scales.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/spectraflow/server/internal/transform"
)

// Config contains cache configuration.
type Config struct {
	PlotCacheSizeMB int
	PlotTTL         time.Duration
	ScaleCacheSize  int
}

// Manager manages plot and scale caches.
type Manager struct {
	plotCache  *bigcache.BigCache
	scaleCache *lru.Cache[string, *transform.Scale]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.PlotTTL <= 0 {
		cfg.PlotTTL = 10 * time.Minute
	}
	if cfg.ScaleCacheSize <= 0 {
		cfg.ScaleCacheSize = 256
	}
	plotCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.PlotTTL,
		CleanWindow:        cfg.PlotTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       512 * 1024, // 512KB per PNG
		HardMaxCacheSize:   cfg.PlotCacheSizeMB,
		Verbose:            false,
	}

	plotCache, err := bigcache.New(context.Background(), plotCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create plot cache: %w", err)
	}

	scaleCache, err := lru.New[string, *transform.Scale](cfg.ScaleCacheSize)
	if err != nil {
		plotCache.Close()
		return nil, fmt.Errorf("failed to create scale cache: %w", err)
	}

	return &Manager{
		plotCache:  plotCache,
		scaleCache: scaleCache,
	}, nil
}

// GetPlot retrieves a rendered plot from cache.
func (m *Manager) GetPlot(key string) ([]byte, bool) {
	data, err := m.plotCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPlot stores a rendered plot in cache.
func (m *Manager) SetPlot(key string, data []byte) error {
	return m.plotCache.Set(key, data)
}

// ResetPlots drops every cached plot.
func (m *Manager) ResetPlots() error {
	return m.plotCache.Reset()
}

// Scale returns the cached scale for p, building it on a miss. Equal
// parameters share one immutable Scale and hence one version.
func (m *Manager) Scale(p transform.Params) (*transform.Scale, error) {
	key := p.Fingerprint()
	if sc, ok := m.scaleCache.Get(key); ok {
		return sc, nil
	}
	sc, err := transform.New(p)
	if err != nil {
		return nil, err
	}
	m.scaleCache.Add(key, sc)
	return sc, nil
}

// PlotKey generates a cache key for a density plot. epoch changes whenever
// the underlying data or gating changes.
func PlotKey(view, x, y, gate, colormap string, size int, epoch uint64) string {
	base := fmt.Sprintf("plot:%s:%s/%s:%d:%s:%d", view, x, y, size, colormap, epoch)
	if gate == "" {
		return base
	}
	// Gate names are free text; hash them.
	h := sha256.Sum256([]byte(gate))
	return base + ":" + hex.EncodeToString(h[:])[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"plot_cache_len":  m.plotCache.Len(),
		"plot_cache_cap":  m.plotCache.Capacity(),
		"scale_cache_len": m.scaleCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.plotCache.Close()
}
