// Package dedupe drops platform webhook redeliveries. Most platforms retry a
// webhook they consider unacknowledged, so the same message id can arrive
// more than once.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a TTL and size bounded set of recently seen keys. The oldest key
// is evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Key builds the cache key for a platform message id.
func Key(platform, messageID string) string {
	return platform + "\x00" + messageID
}

// CheckAndMark reports whether key was already seen within the TTL, and
// marks it as seen if it was not.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

// Forget removes key so a later redelivery is processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep drops expired keys and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for e := c.order.Front(); e != nil; {
		next := e.Next()
		key, _ := e.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			// the list is ordered by seenAt, everything after is fresher
			break
		}
		c.order.Remove(e)
		delete(c.seen, key)
		removed++
		e = next
	}
	return removed
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}
