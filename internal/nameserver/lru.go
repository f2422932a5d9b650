package nameserver

import (
	"container/list"
	"sync"
)

// lruCache is a fixed-capacity path -> FileID cache in front of the
// trie for hot lookups. It has its own mutex; it is consulted and
// updated outside the registry's coarse lock ordering concerns since
// a stale hit is re-validated by the caller.
type lruCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key string
	id  FileID
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) (FileID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return noFile, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(lruEntry).id, true
}

func (c *lruCache) put(key string, id FileID) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value = lruEntry{key: key, id: id}
		c.order.MoveToFront(elem)
		return
	}
	c.items[key] = c.order.PushFront(lruEntry{key: key, id: id})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(lruEntry).key)
	}
}

func (c *lruCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
