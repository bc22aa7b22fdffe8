// Package cache implements the TTL-aware DNS response cache used by the
// forwarding engine. Entries hold raw wire-format response templates keyed by
// the canonical question; eviction is strictly insertion-ordered (FIFO).
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dny/pkg/config"
	"dny/pkg/logging"
	"dny/pkg/telemetry"
	"dny/pkg/wire"
)

// Cache is a thread-safe fixed-capacity response cache with absolute-expiry
// entries and oldest-inserted-first eviction.
type Cache struct {
	cfg         *config.CacheConfig
	logger      *logging.Logger
	metrics     *telemetry.Metrics
	entries     map[string]*cacheEntry
	order       *list.List // front = oldest insertion
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stats       cacheStats
	mu          sync.Mutex
}

// cacheEntry holds a cached response template with its expiry
type cacheEntry struct {
	// Wire bytes of the upstream reply with the transaction ID redacted;
	// callers patch bytes 0-1 before transmission.
	template  []byte
	expiresAt time.Time
	elem      *list.Element // position in the insertion order
}

// cacheStats tracks cache performance counters using atomic operations so
// hits/misses stay lock-free for readers of Stats.
type cacheStats struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	sets      atomic.Uint64
}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Entries   int
	Evictions uint64
	Sets      uint64
	HitRate   float64 // hits / (hits + misses)
}

// New creates a response cache from configuration.
func New(cfg *config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*Cache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cache config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max_entries must be positive, got %d", cfg.MaxEntries)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %s", cfg.TTL)
	}

	c := &Cache{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		entries:     make(map[string]*cacheEntry, cfg.MaxEntries),
		order:       list.New(),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go c.cleanupLoop()

	logger.Info("Response cache initialized",
		"max_entries", cfg.MaxEntries,
		"ttl", cfg.TTL)

	return c, nil
}

// Get returns a copy of the cached response template for key, or false when
// the key is absent or expired. Expiry check and removal happen under the
// same critical section as the lookup; a template is never returned past its
// expiry instant.
func (c *Cache) Get(key string) ([]byte, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}

	now := time.Now()

	c.mu.Lock()
	entry, found := c.entries[key]
	if found && now.After(entry.expiresAt) {
		c.removeLocked(key, entry)
		found = false
	}
	var resp []byte
	if found {
		resp = make([]byte, len(entry.template))
		copy(resp, entry.template)
	}
	c.mu.Unlock()

	if !found {
		c.recordMiss()
		return nil, false
	}

	c.recordHit()
	return resp, true
}

// Set stores a response under key with the configured TTL. The stored
// template is a copy of response with the transaction ID redacted. Updating
// an existing key replaces the value, extends the expiry, and counts as the
// latest insertion for eviction ordering. When the cache is full the
// oldest-inserted entry is evicted first.
func (c *Cache) Set(key string, response []byte) {
	if !c.cfg.Enabled || len(response) < wire.HeaderSize {
		return
	}

	template := make([]byte, len(response))
	copy(template, response)
	wire.PatchTransactionID(template, 0)

	expiresAt := time.Now().Add(c.cfg.TTL)

	c.mu.Lock()
	if entry, exists := c.entries[key]; exists {
		entry.template = template
		entry.expiresAt = expiresAt
		c.order.MoveToBack(entry.elem)
		c.mu.Unlock()
		c.stats.sets.Add(1)
		return
	}

	if len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}

	entry := &cacheEntry{
		template:  template,
		expiresAt: expiresAt,
	}
	entry.elem = c.order.PushBack(key)
	c.entries[key] = entry
	c.mu.Unlock()

	c.stats.sets.Add(1)
	if c.metrics != nil {
		c.metrics.CacheSize.Add(context.Background(), 1)
	}
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes the entry at the front of the insertion order.
// Must be called with the lock held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
		c.stats.evictions.Add(1)
		c.logger.Debug("Evicted oldest cache entry", "key_len", len(key))
	}
}

// removeLocked deletes an entry and its order element. Lock must be held.
func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	delete(c.entries, key)
	c.order.Remove(entry.elem)
	if c.metrics != nil {
		c.metrics.CacheSize.Add(context.Background(), -1)
	}
}

// cleanupLoop sweeps expired entries in the background. Lookups already
// remove expired entries lazily; the sweep keeps idle keys from pinning
// memory for the full capacity of the cache.
func (c *Cache) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired entries
func (c *Cache) cleanup() {
	now := time.Now()

	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.removeLocked(key, entry)
			removed++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.stats.evictions.Add(uint64(removed))
		c.logger.Debug("Cleaned up expired cache entries", "removed", removed, "remaining", remaining)
	}
}

// Stats returns current cache statistics
func (c *Cache) Stats() Stats {
	hits := c.stats.hits.Load()
	misses := c.stats.misses.Load()

	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:      hits,
		Misses:    misses,
		Entries:   entries,
		Evictions: c.stats.evictions.Load(),
		Sets:      c.stats.sets.Load(),
		HitRate:   hitRate,
	}
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() error {
	close(c.stopCleanup)
	<-c.cleanupDone

	c.logger.Info("Response cache closed",
		"final_hits", c.stats.hits.Load(),
		"final_misses", c.stats.misses.Load())

	return nil
}

func (c *Cache) recordHit() {
	c.stats.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHits.Add(context.Background(), 1)
	}
}

func (c *Cache) recordMiss() {
	c.stats.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMisses.Add(context.Background(), 1)
	}
}
