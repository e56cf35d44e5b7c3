package dockermeta

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/metrics"
)

// Cache memoizes lookup outcomes by container ID with LRU eviction.
// A nil *Metadata value records that the daemon did not know the ID.
// Entries never expire by time. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *Metadata]
	metrics *metrics.Metrics
}

// NewCache creates a cache holding at most size outcomes.
func NewCache(size int, m *metrics.Metrics) (*Cache, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: cache size must be at least 1, got %d", ErrInvalidConfig, size)
	}
	c := &Cache{metrics: m}
	lru, err := simplelru.NewLRU[string, *Metadata](size, func(string, *Metadata) {
		c.metrics.Evicted()
	})
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

// Get returns the cached outcome for id and marks it most recently used.
func (c *Cache) Get(id string) (meta *Metadata, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(id)
}

// Add stores an outcome, evicting the least recently used entry when full.
// An existing entry for id is replaced.
func (c *Cache) Add(id string, meta *Metadata) {
	c.mu.Lock()
	c.lru.Add(id, meta)
	n := c.lru.Len()
	c.mu.Unlock()
	c.metrics.SetEntries(n)
}

// Contains reports whether id is cached without touching its recency.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(id)
}

// Len returns the number of cached outcomes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the cached IDs from least to most recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}
