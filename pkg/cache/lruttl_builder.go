package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

const defaultCapacity = 100
const defaultTTL = 24 * time.Hour

// LRUOption is a functional option for building LRUTTL cache
type LRUOption[K comparable, V any] func(*LRUWithTTL[K, V])

// ttlEntry stored in list.Element
type ttlEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// LRU cache with TTL based expiry
type LRUWithTTL[K comparable, V any] struct {
	capacity int
	mu       sync.Mutex
	ll       *list.List
	items    map[K]*list.Element

	defaultTTL      time.Duration
	cleanupInterval time.Duration

	cleanupStop    chan struct{}
	cleanupStart   bool
	cleanupRunning bool

	onEvict func(key K, value V, reason EvictReason)
	now     func() time.Time

	hits, misses, evictions, expirations int64
}

// WithCapacity sets the capacity of the cache.
func WithCapacity[K comparable, V any](capacity int) LRUOption[K, V] {
	return func(c *LRUWithTTL[K, V]) {
		c.capacity = capacity
	}
}

// WithDefaultTTL sets the TTL used by Set().
func WithDefaultTTL[K comparable, V any](ttl time.Duration) LRUOption[K, V] {
	return func(c *LRUWithTTL[K, V]) {
		c.defaultTTL = ttl
	}
}

// WithCleanupInterval configures the background sweep interval.
// The daemon only runs when the interval is > 0 and WithCleanupStart(true) is given,
// or when StartCleanupDaemon is called.
func WithCleanupInterval[K comparable, V any](interval time.Duration) LRUOption[K, V] {
	return func(c *LRUWithTTL[K, V]) {
		c.cleanupInterval = interval
	}
}

// WithCleanupStart configures whether to start the cleanup daemon on cache creation.
func WithCleanupStart[K comparable, V any](start bool) LRUOption[K, V] {
	return func(c *LRUWithTTL[K, V]) {
		c.cleanupStart = start
	}
}

// WithOnEvict registers a callback invoked for every record that leaves the cache
// other than through Delete or replacement. It runs with the cache lock held and must
// not call back into the cache.
func WithOnEvict[K comparable, V any](fn func(key K, value V, reason EvictReason)) LRUOption[K, V] {
	return func(c *LRUWithTTL[K, V]) {
		c.onEvict = fn
	}
}

// withClock replaces time.Now, for tests.
func withClock[K comparable, V any](now func() time.Time) LRUOption[K, V] {
	return func(c *LRUWithTTL[K, V]) {
		c.now = now
	}
}

// NewLRUTTL creates an LRU cache with TTL based expiry.
func NewLRUTTL[K comparable, V any](opts ...LRUOption[K, V]) (*LRUWithTTL[K, V], error) {
	c := &LRUWithTTL[K, V]{
		capacity:    defaultCapacity,
		ll:          list.New(),
		defaultTTL:  defaultTTL,
		cleanupStop: make(chan struct{}),
		now:         time.Now,
	}

	for _, o := range opts {
		o(c)
	}

	if c.capacity <= 0 {
		return nil, errors.New("capacity must be > 0")
	}
	if c.defaultTTL <= 0 {
		return nil, errors.New("default TTL must be > 0")
	}
	if c.cleanupInterval < 0 {
		return nil, errors.New("cleanup interval must be >= 0")
	}
	c.items = make(map[K]*list.Element, c.capacity)

	if c.cleanupStart && c.cleanupInterval > 0 {
		c.StartCleanupDaemon()
	}
	return c, nil
}
