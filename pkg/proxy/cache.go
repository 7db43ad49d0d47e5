package proxy

import (
	"net/http"

	"github.com/ashpect/fwdproxy/pkg/cache"
)

// X-Cache values.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// serveCachedResponse writes a stored response. The record itself is shared
// and is only read.
func (p *Proxy) serveCachedResponse(w http.ResponseWriter, resp *cache.CachedResponse, status string) {
	copyHeader(w.Header(), resp.Header)
	w.Header().Set(HeaderXCache, status)
	w.WriteHeader(resp.Status)

	if len(resp.Body) == 0 {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		p.log.WithError(err).Debug("Writing cached body failed")
	}
}
