package cache

import (
	"net/http"
	"time"

	"github.com/ashpect/fwdproxy/pkg/fingerprint"
)

// CachedResponse represents a cached HTTP response.
// Values are shared between requests once stored and must not be mutated;
// replace the whole record instead.
type CachedResponse struct {
	Status   int
	Reason   string
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Size approximates the memory held by the body.
func (r *CachedResponse) Size() int {
	return len(r.Body)
}

// ResponseCache is what the proxy and the dashboard need from a response store.
type ResponseCache = Cache[fingerprint.Fingerprint, *CachedResponse]

// Store maps request fingerprints to cached responses.
type Store = LRUWithTTL[fingerprint.Fingerprint, *CachedResponse]

// NewStore builds the response store used by the proxy.
func NewStore(capacity int, ttl time.Duration, opts ...LRUOption[fingerprint.Fingerprint, *CachedResponse]) (*Store, error) {
	all := []LRUOption[fingerprint.Fingerprint, *CachedResponse]{
		WithCapacity[fingerprint.Fingerprint, *CachedResponse](capacity),
		WithDefaultTTL[fingerprint.Fingerprint, *CachedResponse](ttl),
	}
	return NewLRUTTL(append(all, opts...)...)
}
