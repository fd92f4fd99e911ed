// SPDX-License-Identifier: MIT

// Package cache maps stage fingerprints to artifact references with TTL and
// byte-budget eviction. Artifact bytes always live in the on-disk store; the
// cache only holds the lookup entries, so losing it costs recomputation, not
// data.
package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/wishreel/wishreel/internal/metrics"
)

// ErrEntryTooLarge reports a Put whose artifact exceeds the whole byte
// budget. Callers treat it as "completed, not cached".
var ErrEntryTooLarge = errors.New("cache: entry exceeds byte budget")

// Entry is one cached stage result: a content digest plus enough metadata
// to serve the artifact without re-reading it.
type Entry struct {
	SHA       string            `json:"sha"`
	Stage     string            `json:"stage"`
	SizeBytes int64             `json:"sizeBytes"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Stats holds cache performance counters.
type Stats struct {
	Hits         int64
	Misses       int64
	Puts         int64
	Evictions    int64
	CurrentSize  int
	CurrentBytes int64
}

// Cache provides thread-safe fingerprint-to-artifact lookups.
type Cache interface {
	// Get retrieves an entry. Returns false if absent or expired.
	Get(key string) (Entry, bool)
	// Put stores an entry with the given TTL. ttl <= 0 means no expiry.
	Put(key string, e Entry, ttl time.Duration) error
	// Invalidate removes an entry.
	Invalidate(key string)
	// Stats returns performance counters.
	Stats() Stats
	// Close releases background resources.
	Close() error
}

type memoryEntry struct {
	entry      Entry
	expiration time.Time
	elem       *list.Element
}

func (e *memoryEntry) isExpired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// memoryCache is an in-memory LRU implementation of Cache. The byte budget
// bounds the total SizeBytes of referenced artifacts; exceeding it evicts
// the least recently used entries.
type memoryCache struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	order      *list.List // front = most recently used
	byteBudget int64
	bytes      int64
	stats      Stats
	janitor    *janitor
}

// NewMemoryCache creates an in-memory cache with the given byte budget and
// periodic expiry cleanup. cleanupInterval <= 0 disables the janitor.
func NewMemoryCache(byteBudget int64, cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries:    make(map[string]*memoryEntry),
		order:      list.New(),
		byteBudget: byteBudget,
	}
	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}
	return c
}

func (c *memoryCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.isExpired(time.Now()) {
		c.stats.Misses++
		return Entry{}, false
	}

	c.order.MoveToFront(e.elem)
	c.stats.Hits++
	return e.entry, true
}

func (c *memoryCache) Put(key string, e Entry, ttl time.Duration) error {
	if c.byteBudget > 0 && e.SizeBytes > c.byteBudget {
		return ErrEntryTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}

	me := &memoryEntry{entry: e}
	if ttl > 0 {
		me.expiration = time.Now().Add(ttl)
	}
	me.elem = c.order.PushFront(key)
	c.entries[key] = me
	c.bytes += e.SizeBytes
	c.stats.Puts++

	// Evict from the cold end until the budget holds again.
	for c.byteBudget > 0 && c.bytes > c.byteBudget {
		back := c.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(string)
		if victim == key {
			break
		}
		c.removeLocked(victim, c.entries[victim])
		c.stats.Evictions++
		metrics.RecordCacheEviction("budget")
	}

	c.publishSizeLocked()
	return nil
}

func (c *memoryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
		metrics.RecordCacheEviction("invalidate")
		c.publishSizeLocked()
	}
}

func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.CurrentSize = len(c.entries)
	stats.CurrentBytes = c.bytes
	return stats
}

func (c *memoryCache) Close() error {
	if c.janitor != nil {
		c.janitor.stop <- struct{}{}
	}
	return nil
}

func (c *memoryCache) removeLocked(key string, e *memoryEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, key)
	c.bytes -= e.entry.SizeBytes
}

func (c *memoryCache) publishSizeLocked() {
	metrics.SetCacheSize(c.bytes, len(c.entries))
}

// deleteExpired removes all expired entries. Returns the number removed.
func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	count := 0
	for key, e := range c.entries {
		if e.isExpired(now) {
			c.removeLocked(key, e)
			count++
			metrics.RecordCacheEviction("ttl")
		}
	}
	c.stats.Evictions += int64(count)
	if count > 0 {
		c.publishSizeLocked()
	}
	return count
}

// janitor performs periodic cleanup of expired entries.
type janitor struct {
	interval time.Duration
	stop     chan struct{}
}

func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}

// noOpCache is a cache that stores nothing (cache.backend = "off").
type noOpCache struct{}

// NewNoOpCache creates a cache that never hits.
func NewNoOpCache() Cache {
	return &noOpCache{}
}

func (c *noOpCache) Get(string) (Entry, bool)               { return Entry{}, false }
func (c *noOpCache) Put(string, Entry, time.Duration) error { return nil }
func (c *noOpCache) Invalidate(string)                      {}
func (c *noOpCache) Stats() Stats                           { return Stats{} }
func (c *noOpCache) Close() error                           { return nil }
