package jobstore

import (
	"container/list"
	"sync"
	"time"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
)

// cacheTTL is how long a cached job record is considered fresh before
// a read falls through to Redis.
const cacheTTL = 2 * time.Minute

type cacheEntry struct {
	key      string
	job      *model.JobRecord
	expireAt time.Time
	elem     *list.Element
}

// lruCache fronts Get's point reads with a small in-process,
// TTL-bounded LRU; Query results are not cached.
// It is the only process-wide shared state the Job Store keeps beyond
// its Redis connection.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*cacheEntry
	order    *list.List
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		entries:  make(map[string]*cacheEntry),
		order:    list.New(),
	}
}

func (c *lruCache) get(key string) (*model.JobRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expireAt) {
		c.removeLocked(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.job, true
}

func (c *lruCache) set(key string, job *model.JobRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.job = job
		e.expireAt = time.Now().Add(cacheTTL)
		c.order.MoveToFront(e.elem)
		return
	}

	e := &cacheEntry{key: key, job: job, expireAt: time.Now().Add(cacheTTL)}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*cacheEntry))
	}
}

func (c *lruCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// invalidatePrefix drops every cached entry whose key starts with
// prefix, used when a write touches a whole user's job list or a
// batch's children rather than a single job.
func (c *lruCache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.removeLocked(e)
		}
	}
}

func (c *lruCache) removeLocked(e *cacheEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}
