package cache

import (
	"container/list"
	"time"
)

// Len returns number of records held. Expired records not yet seen by Get are counted.
func (c *LRUWithTTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Get returns value if present and not expired
// Marks the element as most-recent
func (c *LRUWithTTL[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	element, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	entry := element.Value.(*ttlEntry[K, V])

	if c.isExpired(entry) {
		c.removeElement(element, Expired)
		c.misses++
		return zero, false
	}

	c.ll.MoveToFront(element)
	c.hits++
	return entry.value, true
}

// GetAll returns a shallow copy of the current non-expired contents.
func (c *LRUWithTTL[K, V]) GetAll() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[K]V, len(c.items))
	for k, ele := range c.items {
		entry := ele.Value.(*ttlEntry[K, V])
		if c.isExpired(entry) {
			continue
		}
		out[k] = entry.value
	}
	return out
}

// Keys returns keys from most to least recently used.
func (c *LRUWithTTL[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.items))
	for ele := c.ll.Front(); ele != nil; ele = ele.Next() {
		keys = append(keys, ele.Value.(*ttlEntry[K, V]).key)
	}
	return keys
}

// Stats returns occupancy and counters.
func (c *LRUWithTTL[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:         len(c.items),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// Helper for tests, returns the value based on key without touching recency or expiry.
func (c *LRUWithTTL[K, V]) peek(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return element.Value.(*ttlEntry[K, V]).value, true
}

// Delete removes the key from the cache (both the linked list node and the items map).
func (c *LRUWithTTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.items[key]
	if !ok {
		return
	}
	c.ll.Remove(element)
	delete(c.items, key)
}

// Set stores value with the default TTL.
func (c *LRUWithTTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value expiring ttl from now. ttl <= 0 uses the default TTL.
func (c *LRUWithTTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)

	// replace if it's existing
	if element, ok := c.items[key]; ok {
		entry := element.Value.(*ttlEntry[K, V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.ll.MoveToFront(element)
		return
	}

	if len(c.items) >= c.capacity {
		c.makeRoom()
	}

	entry := &ttlEntry[K, V]{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}
	element := c.ll.PushFront(entry)
	c.items[key] = element
}

// makeRoom drops expired records first and then evicts from the LRU tail until
// one more record fits. Caller holds the lock.
func (c *LRUWithTTL[K, V]) makeRoom() {
	c.removeExpired(Expired)

	for len(c.items) >= c.capacity {
		tail := c.ll.Back()
		if tail == nil {
			return
		}
		c.removeElement(tail, Capacity)
	}
}

// removeExpired walks the list and drops every expired record. Caller holds the lock.
func (c *LRUWithTTL[K, V]) removeExpired(reason EvictReason) int {
	removed := 0
	current := c.ll.Front()
	for current != nil {
		next := current.Next()
		if c.isExpired(current.Value.(*ttlEntry[K, V])) {
			c.removeElement(current, reason)
			removed++
		}
		current = next
	}
	return removed
}

// removeElement unlinks element and reports it to onEvict. Caller holds the lock.
func (c *LRUWithTTL[K, V]) removeElement(element *list.Element, reason EvictReason) {
	entry := element.Value.(*ttlEntry[K, V])
	c.ll.Remove(element)
	delete(c.items, entry.key)

	if reason == Capacity {
		c.evictions++
	} else {
		c.expirations++
	}
	if c.onEvict != nil {
		c.onEvict(entry.key, entry.value, reason)
	}
}

// isExpired checks whether an entry is expired. Caller holds the lock.
func (c *LRUWithTTL[K, V]) isExpired(entry *ttlEntry[K, V]) bool {
	return !c.now().Before(entry.expiresAt)
}

// CRONJOB

// Close stops cleanup cronjob if running.
func (c *LRUWithTTL[K, V]) Close() {
	c.StopCleanupDaemon()
}

// StartCleanupDaemon starts a background goroutine that periodically evicts expired items.
// It is a no-op when the cleanup interval is not positive or the daemon already runs.
func (c *LRUWithTTL[K, V]) StartCleanupDaemon() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cleanupInterval <= 0 || c.cleanupRunning {
		return
	}
	c.cleanupRunning = true
	stop := c.cleanupStop

	go func() {
		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
}

// cleanupExpired removes expired entries from both the list and the map.
func (c *LRUWithTTL[K, V]) cleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeExpired(Cleanup)
}

func (c *LRUWithTTL[K, V]) StopCleanupDaemon() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cleanupRunning {
		close(c.cleanupStop)
		c.cleanupStop = make(chan struct{})
		c.cleanupRunning = false
	}
}
