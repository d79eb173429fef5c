package cache

import (
	"sync"
	"time"
)

// lruCache is a doubly-linked LRU with TTL and a per-agent key index so
// invalidation does not scan the whole table.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*lruNode
	byAgent  map[string]map[string]struct{}
	head     *lruNode
	tail     *lruNode
}

type lruNode struct {
	key       string
	entry     *Entry
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruNode),
		byAgent:  make(map[string]map[string]struct{}),
	}
}

// Get returns the entry and refreshes its recency. Expired entries are
// dropped on access.
func (c *lruCache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(node.expiresAt) {
		c.remove(node)
		return nil, false
	}

	c.moveToHead(node)
	node.entry.HitCount++
	return node.entry, true
}

func (c *lruCache) Set(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		c.unindexAgent(node)
		node.entry = entry
		node.expiresAt = time.Now().Add(c.ttl)
		c.indexAgent(key, entry.AgentID)
		c.moveToHead(node)
		return
	}

	if len(c.items) >= c.capacity {
		if c.tail != nil {
			c.remove(c.tail)
		}
	}

	node := &lruNode{
		key:       key,
		entry:     entry,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.items[key] = node
	c.indexAgent(key, entry.AgentID)
	c.addToHead(node)
}

// RemoveAgent drops every entry belonging to the agent.
func (c *lruCache) RemoveAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.byAgent[agentID] {
		if node, ok := c.items[key]; ok {
			c.remove(node)
		}
	}
	delete(c.byAgent, agentID)
}

func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lruCache) indexAgent(key, agentID string) {
	set, ok := c.byAgent[agentID]
	if !ok {
		set = make(map[string]struct{})
		c.byAgent[agentID] = set
	}
	set[key] = struct{}{}
}

func (c *lruCache) unindexAgent(node *lruNode) {
	if set, ok := c.byAgent[node.entry.AgentID]; ok {
		delete(set, node.key)
		if len(set) == 0 {
			delete(c.byAgent, node.entry.AgentID)
		}
	}
}

func (c *lruCache) remove(node *lruNode) {
	c.unindexAgent(node)
	delete(c.items, node.key)
	c.unlink(node)
}

func (c *lruCache) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *lruCache) unlink(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

func (c *lruCache) moveToHead(node *lruNode) {
	if node == c.head {
		return
	}
	c.unlink(node)
	c.addToHead(node)
}
