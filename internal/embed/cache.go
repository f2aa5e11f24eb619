package embed

import (
	"sync"
	"time"
)

type cacheEntry struct {
	expiry time.Time
	vector []float32
}

// vectorCache is a TTL cache of embeddings keyed by input text.
type vectorCache struct {
	entries map[string]cacheEntry
	stopCh  chan struct{}
	ttl     time.Duration
	mu      sync.RWMutex
	once    sync.Once
}

func newVectorCache(ttl time.Duration) *vectorCache {
	if ttl == 0 {
		ttl = time.Hour
	}

	c := &vectorCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiry) {
		return nil, false
	}
	out := make([]float32, len(entry.vector))
	copy(out, entry.vector)
	return out, true
}

func (c *vectorCache) set(key string, vec []float32) {
	stored := make([]float32, len(vec))
	copy(stored, vec)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{vector: stored, expiry: time.Now().Add(c.ttl)}
}

func (c *vectorCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.expiry) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *vectorCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *vectorCache) Close() {
	c.once.Do(func() { close(c.stopCh) })
}
