package geo

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default cache parameters.
const (
	DefaultCacheTTL  = 24 * time.Hour
	DefaultCacheSize = 10000
)

// Cache is a size-bounded, TTL-expiring map from address to Location. It is
// safe for concurrent use; concurrent writers for the same key race and the
// last write wins.
type Cache struct {
	lru *expirable.LRU[string, Location]
}

// NewCache returns a Cache holding at most size entries for at most ttl.
// Zero values select the defaults.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{lru: expirable.NewLRU[string, Location](size, nil, ttl)}
}

// Get returns the cached location for addr if present and not expired.
func (c *Cache) Get(addr string) (Location, bool) {
	return c.lru.Get(addr)
}

// Set stores loc for addr, resetting its TTL.
func (c *Cache) Set(addr string, loc Location) {
	c.lru.Add(addr, loc)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
