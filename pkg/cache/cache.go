package cache

import "time"

type Cache[K comparable, V any] interface {
	// Get returns the value for key and true if present and not expired.
	// An expired record found under key is removed.
	Get(key K) (V, bool)

	// Set stores the value for key using the cache's default TTL.
	Set(key K, value V)

	// SetWithTTL stores the value for key with a custom ttl. ttl <= 0 uses the default TTL.
	SetWithTTL(key K, value V, ttl time.Duration)

	// Delete removes the key from the cache.
	Delete(key K)

	// Len returns the number of records currently held.
	Len() int

	// GetAll returns a copy of all the cache contents (non-expired items).
	GetAll() map[K]V

	// Stats returns occupancy and hit counters.
	Stats() Stats

	//// TTL Specific ////

	// StartCleanupDaemon starts a background job that periodically removes expired entries.
	StartCleanupDaemon()

	// StopCleanupDaemon stops the background job if running.
	StopCleanupDaemon()

	// Close stops the cleanup job. The cache stays usable afterwards.
	Close()
}

// EvictReason tells an OnEvict callback why a record left the cache.
type EvictReason int

const (
	// Expired records are dropped lazily when looked up or when making room.
	Expired EvictReason = iota
	// Capacity evictions drop the least recently used record.
	Capacity
	// Cleanup evictions come from the background daemon.
	Cleanup
)

func (r EvictReason) String() string {
	switch r {
	case Expired:
		return "expired"
	case Capacity:
		return "capacity"
	case Cleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Stats is a point in time view of the cache.
type Stats struct {
	Len         int   `json:"len"`
	Capacity    int   `json:"capacity"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}
