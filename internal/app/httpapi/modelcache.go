package httpapi

import (
	"sync"
	"time"
)

// modelReadCache is a tiny in-process TTL cache fronting GET /models/{id},
// backing the response's X-Cache and Cache-Control headers (spec.md §6).
// It is deliberately separate from the result cache (C3): that one is
// fingerprint-keyed prediction output, Redis-backed, and cross-process; this
// one caches the catalog row itself, in-process, for CACHE_MODEL_TTL
// seconds, and is invalidated the same way the engine's session cache is —
// by eviction on update/delete, never by waiting out the TTL on a write.
type modelReadCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]modelCacheEntry
}

type modelCacheEntry struct {
	dto     modelDTO
	expires time.Time
}

func newModelReadCache(ttlSeconds int) *modelReadCache {
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	return &modelReadCache{ttl: time.Duration(ttlSeconds) * time.Second, entries: make(map[string]modelCacheEntry)}
}

func (c *modelReadCache) get(id string) (modelDTO, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || time.Now().After(entry.expires) {
		return modelDTO{}, false
	}
	return entry.dto, true
}

func (c *modelReadCache) put(id string, dto modelDTO) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = modelCacheEntry{dto: dto, expires: time.Now().Add(c.ttl)}
}

func (c *modelReadCache) evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

func (c *modelReadCache) maxAgeSeconds() int {
	return int(c.ttl.Seconds())
}
