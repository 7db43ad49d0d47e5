package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ashpect/fwdproxy/pkg/cache"
	"github.com/ashpect/fwdproxy/pkg/fingerprint"
	"github.com/ashpect/fwdproxy/pkg/metrics"
	"github.com/ashpect/fwdproxy/pkg/origin"
	"github.com/ashpect/fwdproxy/pkg/tunnel"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const defaultAgent = "fwdproxy"

// Fetcher obtains responses from origin servers.
type Fetcher interface {
	Fetch(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*cache.CachedResponse, error)
	Stream(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*http.Response, error)
}

// Dialer opens tunnel sessions for CONNECT requests.
type Dialer interface {
	Dial(ctx context.Context, target string) (*tunnel.Session, error)
}

// Proxy is a caching forward proxy. Plain requests are answered from the store
// or fetched from the origin; CONNECT requests become raw byte tunnels.
type Proxy struct {
	store   cache.ResponseCache
	fetcher Fetcher
	relay   Dialer

	agent     string
	ttl       time.Duration
	coalesce  bool
	streaming bool

	group     singleflight.Group
	flightsMu sync.Mutex
	flights   map[string]*flight

	log      *logrus.Entry
	counters *metrics.Counters
	latency  *metrics.LatencyTracker
}

type ProxyOption func(*Proxy)

// WithAgent sets the Proxy-Agent announced on established tunnels.
func WithAgent(agent string) ProxyOption {
	return func(p *Proxy) {
		if agent != "" {
			p.agent = agent
		}
	}
}

// WithTTL sets the lifetime of stored responses. Zero uses the store default.
func WithTTL(ttl time.Duration) ProxyOption {
	return func(p *Proxy) {
		p.ttl = ttl
	}
}

// WithCoalescing makes concurrent misses on one fingerprint share a single
// origin fetch.
func WithCoalescing(enabled bool) ProxyOption {
	return func(p *Proxy) {
		p.coalesce = enabled
	}
}

// WithStreaming relays origin bodies as they arrive. Streamed responses skip
// the store entirely.
func WithStreaming(enabled bool) ProxyOption {
	return func(p *Proxy) {
		p.streaming = enabled
	}
}

func WithLogger(logger *logrus.Logger) ProxyOption {
	return func(p *Proxy) {
		p.log = logger.WithField("component", "proxy")
	}
}

func WithMetrics(counters *metrics.Counters) ProxyOption {
	return func(p *Proxy) {
		p.counters = counters
	}
}

func WithLatencyTracker(latency *metrics.LatencyTracker) ProxyOption {
	return func(p *Proxy) {
		p.latency = latency
	}
}

func New(store cache.ResponseCache, fetcher Fetcher, relay Dialer, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		store:    store,
		fetcher:  fetcher,
		relay:    relay,
		agent:    defaultAgent,
		log:      logrus.StandardLogger().WithField("component", "proxy"),
		counters: &metrics.Counters{},
		latency:  metrics.NewLatencyTracker(metrics.DefaultRelativeAccuracy),
		flights:  make(map[string]*flight),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.serveTunnel(w, r)
		return
	}

	if !r.URL.IsAbs() || r.URL.Host == "" {
		p.counters.BadRequests.Add(1)
		http.Error(w, "proxy requests need an absolute URL", http.StatusBadRequest)
		return
	}

	if p.streaming {
		p.serveStream(w, r)
		return
	}

	start := time.Now()
	key := fingerprint.ForRequest(r)
	log := p.log.WithFields(logrus.Fields{
		"request_id":  RequestID(r.Context()),
		"fingerprint": key.Short(),
	})

	if cached, ok := p.store.Get(key); ok {
		p.counters.Hits.Add(1)
		log.Debug("Cache hit")
		p.serveCachedResponse(w, cached, CacheHit)
		p.latency.Since(metrics.OpCacheHit, start)
		return
	}

	p.counters.Misses.Add(1)
	log.Debug("Cache miss")

	resp, err := p.fetchAndStore(r, key)
	if err != nil {
		p.serveFetchError(w, r, err)
		return
	}

	p.serveCachedResponse(w, resp, CacheMiss)
	p.latency.Since(metrics.OpCacheMiss, start)
}

// fetchAndStore fetches r from its origin and stores the result under key
// before returning it, so the next request for key is a hit.
func (p *Proxy) fetchAndStore(r *http.Request, key fingerprint.Fingerprint) (*cache.CachedResponse, error) {
	fetch := func(ctx context.Context) (*cache.CachedResponse, error) {
		resp, err := p.fetcher.Fetch(ctx, r.Method, r.URL.String(), r.Header, r.Body)
		if err != nil {
			return nil, err
		}
		p.store.SetWithTTL(key, resp, p.ttl)
		return resp, nil
	}

	if !p.coalesce || hasBody(r) {
		return fetch(r.Context())
	}

	return p.coalescedFetch(r, key, fetch)
}

func (p *Proxy) serveStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp, err := p.fetcher.Stream(r.Context(), r.Method, r.URL.String(), r.Header, r.Body)
	if err != nil {
		p.serveFetchError(w, r, err)
		return
	}
	defer resp.Body.Close()
	p.counters.Bypassed.Add(1)

	copyHeader(w.Header(), resp.Header)
	w.Header().Set(HeaderXCache, CacheBypass)
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				p.log.WithError(werr).Debug("Client went away while streaming")
				return
			}
			rc.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.WithError(err).Warn("Origin stream broke off")
			}
			break
		}
	}
	p.latency.Since(metrics.OpBypass, start)
}

func (p *Proxy) serveFetchError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	var unavailable *origin.UnavailableError
	switch {
	case errors.Is(err, origin.ErrInvalidRequest):
		status = http.StatusBadRequest
		p.counters.BadRequests.Add(1)
	case errors.As(err, &unavailable) && unavailable.Timeout():
		status = http.StatusGatewayTimeout
		p.counters.OriginErrors.Add(1)
	default:
		p.counters.OriginErrors.Add(1)
	}

	p.log.WithFields(logrus.Fields{
		"request_id": RequestID(r.Context()),
		"method":     r.Method,
		"url":        r.URL.String(),
		"status":     status,
	}).WithError(err).Warn("Origin fetch failed")

	http.Error(w, http.StatusText(status), status)
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}
