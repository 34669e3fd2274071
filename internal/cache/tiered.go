package cache

import (
	"context"
	"log"
	"time"
)

// TieredConfig sizes the three cache tiers. Zero values fall back to
// DefaultTieredConfig.
type TieredConfig struct {
	HotSize  int
	HotTTL   time.Duration
	WarmSize int
	WarmTTL  time.Duration
	ColdSize int
	ColdTTL  time.Duration

	// SweepInterval is the cadence of the background expiry sweep.
	SweepInterval time.Duration
}

// DefaultTieredConfig returns the standard tier sizing: a small, high-churn
// hot tier for point queries, a medium warm tier for ranked listings, and a
// small long-lived cold tier for whole-profile aggregates.
func DefaultTieredConfig() TieredConfig {
	return TieredConfig{
		HotSize:       256,
		HotTTL:        30 * time.Second,
		WarmSize:      512,
		WarmTTL:       5 * time.Minute,
		ColdSize:      64,
		ColdTTL:       30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Tiered owns the three independently-lifetimed cache tiers. It is
// constructed explicitly and passed where needed; there are no package-level
// cache singletons.
type Tiered struct {
	Hot  *Cache
	Warm *Cache
	Cold *Cache
}

// NewTiered builds the three tiers from config, applying defaults for unset
// fields.
func NewTiered(cfg TieredConfig) *Tiered {
	def := DefaultTieredConfig()
	if cfg.HotSize <= 0 {
		cfg.HotSize = def.HotSize
	}
	if cfg.HotTTL <= 0 {
		cfg.HotTTL = def.HotTTL
	}
	if cfg.WarmSize <= 0 {
		cfg.WarmSize = def.WarmSize
	}
	if cfg.WarmTTL <= 0 {
		cfg.WarmTTL = def.WarmTTL
	}
	if cfg.ColdSize <= 0 {
		cfg.ColdSize = def.ColdSize
	}
	if cfg.ColdTTL <= 0 {
		cfg.ColdTTL = def.ColdTTL
	}

	return &Tiered{
		Hot:  New("hot", cfg.HotSize, cfg.HotTTL),
		Warm: New("warm", cfg.WarmSize, cfg.WarmTTL),
		Cold: New("cold", cfg.ColdSize, cfg.ColdTTL),
	}
}

// tiers returns the tiers in a fixed order for iteration.
func (t *Tiered) tiers() []*Cache {
	return []*Cache{t.Hot, t.Warm, t.Cold}
}

// InvalidateProfile evicts, across every tier, all keys containing the
// profile ID. Called on every entry write so cached reads are stale at most
// until the next pattern match.
func (t *Tiered) InvalidateProfile(profileID string) int {
	var removed int
	for _, c := range t.tiers() {
		removed += c.InvalidatePattern(profileID)
	}
	return removed
}

// Clear empties all tiers.
func (t *Tiered) Clear() {
	for _, c := range t.tiers() {
		c.Clear()
	}
}

// Sweep removes expired entries from all tiers and returns the total removed.
func (t *Tiered) Sweep() int {
	var removed int
	for _, c := range t.tiers() {
		removed += c.Cleanup()
	}
	return removed
}

// Stats returns per-tier counters keyed by tier name.
func (t *Tiered) Stats() map[string]Stats {
	stats := make(map[string]Stats, 3)
	for _, c := range t.tiers() {
		stats[c.Name()] = c.Stats()
	}
	return stats
}

// RunSweeper sweeps expired entries on the given interval until the context
// is cancelled. Intended to run as a background goroutine.
func (t *Tiered) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTieredConfig().SweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.Sweep(); removed > 0 {
				log.Printf("cache: sweep removed %d expired entries", removed)
			}
		}
	}
}
