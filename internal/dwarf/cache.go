package dwarf

import (
	"container/list"
	"sync"
)

// Cache is an LRU cache of parsed Resolvers keyed by binary path.
// Parsing a binary's DWARF is the most expensive step in attaching to
// it; the cache means a second session against the same binary (e.g.
// re-running a test) skips it.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	path     string
	resolver *Resolver
}

// NewCache builds an LRU cache holding up to capacity resolvers.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// GetOrParse returns the cached Resolver for path, parsing and caching it
// on a miss.
func (c *Cache) GetOrParse(path string) (*Resolver, error) {
	c.mu.Lock()
	if el, ok := c.items[path]; ok {
		c.order.MoveToFront(el)
		r := el.Value.(*cacheEntry).resolver
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	r, err := Parse(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		// Lost a race with a concurrent parse of the same binary; keep
		// the one already cached rather than evicting it.
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).resolver, nil
	}
	el := c.order.PushFront(&cacheEntry{path: path, resolver: r})
	c.items[path] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).path)
	}
	return r, nil
}

// Put seeds a resolver into the cache without parsing, used when the
// resolver came from somewhere other than a plain file parse (a split
// debug-symbols path, or a hand-built table in tests).
func (c *Cache) Put(path string, r *Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		el.Value.(*cacheEntry).resolver = r
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{path: path, resolver: r})
	c.items[path] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).path)
	}
}

// Len reports how many resolvers are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
