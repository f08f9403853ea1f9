package tokens

import (
	"container/list"
	"sync"
)

// countCache is a bounded LRU of content-hash → token count.
type countCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List // front = most recent
	entries map[uint64]*list.Element
}

type cacheEntry struct {
	key   uint64
	count int
}

func newCountCache(max int) *countCache {
	return &countCache{
		max:     max,
		order:   list.New(),
		entries: make(map[uint64]*list.Element),
	}
}

func (c *countCache) get(key uint64) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).count, true
}

func (c *countCache) put(key uint64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).count = count
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, count: count})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *countCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
