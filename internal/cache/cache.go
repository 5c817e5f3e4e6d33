// Package cache keeps recent read-model responses in memory so repeat polls
// (league screens refreshing a dispatch summary) skip the ledger query.
// Per-process only: dispatch correctness never depends on it.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// TTLs per read path.
const (
	TTLSummary = 15 * time.Second // ledger summaries move while a dispatch runs
	TTLStatic  = 1 * time.Hour    // category listings and other fixed data
)

// sweepEvery bounds how often Set scans for dead entries.
const sweepEvery = 10 * time.Minute

type item struct {
	body     []byte
	tag      string
	deadline time.Time
}

// Cache is a small TTL map. Expired items are dropped opportunistically
// during writes, so there is no background goroutine to stop.
type Cache struct {
	mu        sync.RWMutex
	items     map[string]item
	nextSweep time.Time
	enabled   bool
}

// New builds a cache. With enabled=false every lookup misses, but Set still
// returns the ETag so conditional requests keep working.
func New(enabled bool) *Cache {
	return &Cache{
		items:     make(map[string]item),
		nextSweep: time.Now().Add(sweepEvery),
		enabled:   enabled,
	}
}

// Get returns the cached body and its ETag. Expired items miss.
func (c *Cache) Get(key string) ([]byte, string, bool) {
	if !c.enabled {
		return nil, "", false
	}
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(it.deadline) {
		return nil, "", false
	}
	return it.body, it.tag, true
}

// Set stores body under key for ttl and returns its ETag.
func (c *Cache) Set(key string, body []byte, ttl time.Duration) string {
	tag := ComputeETag(body)
	if !c.enabled {
		return tag
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.nextSweep) {
		for k, it := range c.items {
			if now.After(it.deadline) {
				delete(c.items, k)
			}
		}
		c.nextSweep = now.Add(sweepEvery)
	}
	c.items[key] = item{body: body, tag: tag, deadline: now.Add(ttl)}
	return tag
}

// Delete drops one entry. Called when a write makes a cached read stale.
func (c *Cache) Delete(key string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Stats describes cache occupancy for the health endpoints.
type Stats struct {
	Enabled bool `json:"enabled"`
	Keys    int  `json:"keys"`
	Live    int  `json:"live"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	live := 0
	for _, it := range c.items {
		if now.Before(it.deadline) {
			live++
		}
	}
	return Stats{Enabled: c.enabled, Keys: len(c.items), Live: live}
}

// ComputeETag derives a weak ETag from the response body.
func ComputeETag(body []byte) string {
	sum := md5.Sum(body)
	return `W/"` + hex.EncodeToString(sum[:8]) + `"`
}

// CheckETagMatch reports whether an If-None-Match header matches etag.
// Handles "*" and comma-separated candidate lists.
func CheckETagMatch(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimSpace(candidate) == etag {
			return true
		}
	}
	return false
}
