package audio

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache maps locators to materialized resources. It is safe for concurrent
// use. An entry stays until [Cache.Evict] removes it, which playback does when
// a cached clip fails to play. A cache built with a capacity also drops its
// least recently used entry on overflow.
type Cache struct {
	mu    sync.Mutex
	items map[string]Resource

	bounded *lru.Cache[string, Resource]
}

// NewCache returns a cache holding at most max entries. max <= 0 means
// unbounded, which is the default everywhere.
func NewCache(max int) *Cache {
	if max > 0 {
		// lru.New only fails for a non-positive size.
		if b, err := lru.New[string, Resource](max); err == nil {
			return &Cache{bounded: b}
		}
	}
	return &Cache{items: make(map[string]Resource)}
}

// Get returns the resource cached for locator.
func (c *Cache) Get(locator string) (Resource, bool) {
	if c.bounded != nil {
		return c.bounded.Get(locator)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[locator]
	return r, ok
}

// Put stores r under r.Locator, replacing any previous entry.
func (c *Cache) Put(r Resource) {
	if c.bounded != nil {
		c.bounded.Add(r.Locator, r)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[r.Locator] = r
}

// Evict removes the entry for locator and reports whether one existed.
func (c *Cache) Evict(locator string) bool {
	if c.bounded != nil {
		return c.bounded.Remove(locator)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[locator]
	delete(c.items, locator)
	return ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	if c.bounded != nil {
		return c.bounded.Len()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
