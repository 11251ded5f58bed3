// Package cache keeps recently fetched encrypted chunk payloads in memory.
// Entries are still verified and decrypted on every read; the cache only
// saves the backend round-trip.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// CacheEntry represents one cached chunk payload.
type CacheEntry struct {
	Data      []byte
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is an interface for caching chunk payloads by backend location.
type Cache interface {
	// Get retrieves a cached payload.
	Get(ctx context.Context, accountID, remoteID string) (*CacheEntry, bool)

	// Set stores a payload. A zero ttl uses the cache default.
	Set(ctx context.Context, accountID, remoteID string, data []byte, ttl time.Duration) error

	// Delete removes a payload.
	Delete(ctx context.Context, accountID, remoteID string) error

	// Clear drops everything.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type lruItem struct {
	key   string
	entry *CacheEntry
}

// memoryCache is an in-memory LRU implementation of Cache.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front is most recently used
	size     int64
	maxSize  int64
	maxItems int
	stats    CacheStats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

func cacheKey(accountID, remoteID string) string {
	return fmt.Sprintf("%s:%s", accountID, remoteID)
}

// Get retrieves a cached payload.
func (c *memoryCache) Get(ctx context.Context, accountID, remoteID string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[cacheKey(accountID, remoteID)]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	item := el.Value.(*lruItem)
	if item.entry.IsExpired() {
		c.removeLocked(el)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return item.entry, true
}

// Set stores a payload, evicting least recently used entries to make room.
func (c *memoryCache) Set(ctx context.Context, accountID, remoteID string, data []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	entrySize := int64(len(data))
	if c.maxItems <= 0 {
		return fmt.Errorf("cache full and unable to evict")
	}
	if entrySize > c.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size %d", entrySize, c.maxSize)
	}

	entry := &CacheEntry{
		Data:      data,
		ExpiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(accountID, remoteID)
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}

	for c.order.Len() > 0 && (c.size+entrySize > c.maxSize || c.order.Len() >= c.maxItems) {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}
	c.entries[key] = c.order.PushFront(&lruItem{key: key, entry: entry})
	c.size += entrySize
	return nil
}

// Delete removes a payload.
func (c *memoryCache) Delete(ctx context.Context, accountID, remoteID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[cacheKey(accountID, remoteID)]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Clear drops all payloads and resets statistics.
func (c *memoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
	c.stats = CacheStats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = c.order.Len()
	return stats
}

// removeLocked must be called with the lock held.
func (c *memoryCache) removeLocked(el *list.Element) {
	item := c.order.Remove(el).(*lruItem)
	delete(c.entries, item.key)
	c.size -= int64(len(item.entry.Data))
}
