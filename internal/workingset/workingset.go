// Package workingset provides the bounded, recency-ordered cache of full
// context content.
//
// The cache sits between the lock store / relevance engine and SQLite so
// that repeated deep checks within a short window do not hit storage. It is
// bounded by entry count with LRU eviction, never by time alone, so it
// cannot grow unbounded under sustained load.
package workingset

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a concurrency-safe LRU of full context content keyed by
// (schema, label, version).
type Cache struct {
	lru *lru.Cache[string, string]
}

// New creates a cache holding at most size entries.
func New(size int) (*Cache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}
	inner, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	return &Cache{lru: inner}, nil
}

func key(schema, label, version string) string {
	return schema + "\x00" + label + "\x00" + version
}

// Get returns the cached content for a lock version, if present.
func (c *Cache) Get(schema, label, version string) (string, bool) {
	return c.lru.Get(key(schema, label, version))
}

// Put stores content for a lock version.
func (c *Cache) Put(schema, label, version, content string) {
	c.lru.Add(key(schema, label, version), content)
}

// RemoveLabel drops every cached version of a label. Used on unlock when
// the exact version set is not known to the caller.
func (c *Cache) RemoveLabel(schema, label string) {
	prefix := schema + "\x00" + label + "\x00"
	for _, k := range c.lru.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.lru.Remove(k)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
