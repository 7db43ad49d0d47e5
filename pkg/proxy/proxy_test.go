package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashpect/fwdproxy/pkg/cache"
	"github.com/ashpect/fwdproxy/pkg/client"
	"github.com/ashpect/fwdproxy/pkg/fingerprint"
	"github.com/ashpect/fwdproxy/pkg/metrics"
	"github.com/ashpect/fwdproxy/pkg/origin"
	"github.com/ashpect/fwdproxy/pkg/tunnel"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	proxy    *Proxy
	store    *cache.Store
	relay    *tunnel.Relay
	counters *metrics.Counters
	server   *httptest.Server
	client   *http.Client
}

func newHarness(t *testing.T, fetchTimeout time.Duration, opts ...ProxyOption) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()

	store, err := cache.NewStore(10, time.Minute)
	require.NoError(t, err)
	fetcher := origin.New(client.NewClient(client.WithoutRedirects(), client.WithTimeout(fetchTimeout)), logger)
	relay := tunnel.New(tunnel.WithLogger(logger))
	counters := &metrics.Counters{}

	opts = append([]ProxyOption{WithLogger(logger), WithMetrics(counters), WithAgent("test-agent")}, opts...)
	p := New(store, fetcher, relay, opts...)

	srv := httptest.NewServer(LoggingMiddleware(logger)(p))
	t.Cleanup(func() {
		relay.CloseAll()
		srv.Close()
	})

	proxyURL, err := url.Parse(srv.URL)
	require.NoError(t, err)

	return &harness{
		proxy:    p,
		store:    store,
		relay:    relay,
		counters: counters,
		server:   srv,
		client: &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true},
			Timeout:   5 * time.Second,
		},
	}
}

func (h *harness) get(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := h.client.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func countingOrigin(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Path", r.URL.Path)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestProxy_missThenHit(t *testing.T) {
	originSrv, hits := countingOrigin(t, "hello from origin")
	h := newHarness(t, 2*time.Second)

	resp, body := h.get(t, originSrv.URL+"/page?x=1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderXCache))
	assert.Equal(t, "hello from origin", body)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	resp2, body2 := h.get(t, originSrv.URL+"/page?x=1")
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, CacheHit, resp2.Header.Get(HeaderXCache))
	assert.Equal(t, body, body2)
	assert.Equal(t, "text/plain", resp2.Header.Get("Content-Type"))
	assert.Equal(t, "/page", resp2.Header.Get("X-Path"))

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, int64(1), h.counters.Hits.Load())
	assert.Equal(t, int64(1), h.counters.Misses.Load())
}

func TestProxy_distinctURLsAndMethods(t *testing.T) {
	originSrv, hits := countingOrigin(t, "x")
	h := newHarness(t, 2*time.Second)

	r1, _ := h.get(t, originSrv.URL+"/a")
	r2, _ := h.get(t, originSrv.URL+"/b")
	assert.Equal(t, CacheMiss, r1.Header.Get(HeaderXCache))
	assert.Equal(t, CacheMiss, r2.Header.Get(HeaderXCache))

	resp, err := h.client.Head(originSrv.URL + "/a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderXCache))

	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, h.store.Len())
}

func TestProxy_postIsCachedByMethodAndURL(t *testing.T) {
	var hits atomic.Int32
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %d", b, r.ContentLength)
	}))
	defer originSrv.Close()
	h := newHarness(t, 2*time.Second)

	resp, err := h.client.Post(originSrv.URL+"/submit", "text/plain", strings.NewReader("first"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderXCache))
	assert.Equal(t, "first 5", string(body))

	resp, err = h.client.Post(originSrv.URL+"/submit", "text/plain", strings.NewReader("second"))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, CacheHit, resp.Header.Get(HeaderXCache))
	assert.Equal(t, "first 5", string(body))
	assert.Equal(t, int32(1), hits.Load())
}

func TestProxy_expiredEntryRefetched(t *testing.T) {
	originSrv, hits := countingOrigin(t, "x")
	h := newHarness(t, 2*time.Second, WithTTL(50*time.Millisecond))

	h.get(t, originSrv.URL)
	time.Sleep(100 * time.Millisecond)
	resp, _ := h.get(t, originSrv.URL)

	assert.Equal(t, CacheMiss, resp.Header.Get(HeaderXCache))
	assert.Equal(t, int32(2), hits.Load())
}

func TestProxy_originDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	h := newHarness(t, 2*time.Second)
	resp, _ := h.get(t, "http://"+addr+"/")

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderXCache))
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, int64(1), h.counters.OriginErrors.Load())
}

func TestProxy_originTimeout(t *testing.T) {
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer originSrv.Close()

	h := newHarness(t, 100*time.Millisecond)
	resp, _ := h.get(t, originSrv.URL)

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, 0, h.store.Len())
}

func TestProxy_rejectsOriginForm(t *testing.T) {
	h := newHarness(t, 2*time.Second)

	resp, err := http.Get(h.server.URL + "/not-a-proxy-request")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, h.store.Len())
}

func TestProxy_concurrentMisses(t *testing.T) {
	originSrv, hits := countingOrigin(t, "same body")
	h := newHarness(t, 2*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.client.Get(originSrv.URL + "/shared")
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "same body", string(body))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.store.Len())
	assert.GreaterOrEqual(t, hits.Load(), int32(1))
}

func TestProxy_coalescedMisses(t *testing.T) {
	var hits atomic.Int32
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
		io.WriteString(w, "slow")
	}))
	defer originSrv.Close()

	h := newHarness(t, 2*time.Second, WithCoalescing(true))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.client.Get(originSrv.URL)
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, "slow", string(body))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestProxy_streamingBypassesCache(t *testing.T) {
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "part%d ", i)
			w.(http.Flusher).Flush()
		}
	}))
	defer originSrv.Close()

	h := newHarness(t, 2*time.Second, WithStreaming(true))

	for i := 0; i < 2; i++ {
		resp, body := h.get(t, originSrv.URL)
		assert.Equal(t, CacheBypass, resp.Header.Get(HeaderXCache))
		assert.Equal(t, "part0 part1 part2 ", body)
	}
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, int64(2), h.counters.Bypassed.Load())
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func dialProxy(t *testing.T, h *harness) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", h.server.Listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func TestProxy_connectTunnel(t *testing.T) {
	target := startEcho(t)
	h := newHarness(t, 2*time.Second)
	conn, br := dialProxy(t, h)

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n", line)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Proxy-Agent: test-agent\r\n", line)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", line)

	payload := []byte("\x16\x03\x01\x02\x00 not http at all \xff\xfe")
	_, err = conn.Write(payload)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 1, h.relay.Active())

	conn.Close()
	assert.Eventually(t, func() bool { return h.relay.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.counters.TunnelsOpened.Load())
	assert.Equal(t, 0, h.store.Len())
}

func TestProxy_connectTargetCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.WriteString(conn, "goodbye")
		conn.Close()
	}()

	h := newHarness(t, 2*time.Second)
	conn, br := dialProxy(t, h)
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", ln.Addr(), ln.Addr())

	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "goodbye", string(rest))
}

func TestProxy_connectBadTarget(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	conn, br := dialProxy(t, h)

	io.WriteString(conn, "CONNECT example.com HTTP/1.1\r\nHost: example.com\r\n\r\n")

	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, h.relay.Active())
}

func TestProxy_connectDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	h := newHarness(t, 2*time.Second)
	conn, br := dialProxy(t, h)
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)

	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int64(1), h.counters.TunnelsFailed.Load())
}

func TestProxy_connectThenCachedRequestsShareNothing(t *testing.T) {
	originSrv, _ := countingOrigin(t, "plain")
	target := startEcho(t)
	h := newHarness(t, 2*time.Second)

	conn, br := dialProxy(t, h)
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	r, body := h.get(t, originSrv.URL)
	assert.Equal(t, CacheMiss, r.Header.Get(HeaderXCache))
	assert.Equal(t, "plain", body)
	assert.Equal(t, 1, h.relay.Active())
}

// blockingOrigin holds every request until its client goes away or release is
// closed, and reports cancellations on canceled.
func blockingOrigin(t *testing.T) (srv *httptest.Server, canceled <-chan struct{}, release chan struct{}, hits *atomic.Int32) {
	t.Helper()
	cancelc := make(chan struct{}, 16)
	release = make(chan struct{})
	hits = &atomic.Int32{}
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
			cancelc <- struct{}{}
		case <-release:
			io.WriteString(w, "released")
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv, cancelc, release, hits
}

func (h *harness) getWithTimeout(rawURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.ReadAll(resp.Body)
	return err
}

func (h *harness) waiters(rawURL string) int {
	u, _ := url.Parse(rawURL)
	key := fingerprint.Of(http.MethodGet, fingerprint.NormalizeURL(u)).String()
	h.proxy.flightsMu.Lock()
	defer h.proxy.flightsMu.Unlock()
	if f, ok := h.proxy.flights[key]; ok {
		return f.waiters
	}
	return 0
}

func TestProxy_clientGoneCancelsFetch(t *testing.T) {
	originSrv, canceled, _, _ := blockingOrigin(t)
	h := newHarness(t, 10*time.Second)

	err := h.getWithTimeout(originSrv.URL+"/slow", 200*time.Millisecond)
	require.Error(t, err)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("origin request outlived its client")
	}
	assert.Equal(t, 0, h.store.Len())
}

func TestProxy_coalescedClientGoneCancelsFetch(t *testing.T) {
	originSrv, canceled, _, _ := blockingOrigin(t)
	h := newHarness(t, 10*time.Second, WithCoalescing(true))

	err := h.getWithTimeout(originSrv.URL+"/slow", 200*time.Millisecond)
	require.Error(t, err)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("shared origin request outlived its last waiter")
	}
	assert.Equal(t, 0, h.store.Len())
	assert.Eventually(t, func() bool { return h.waiters(originSrv.URL+"/slow") == 0 }, time.Second, 10*time.Millisecond)
}

func TestProxy_coalescedFetchSurvivesOneWaiterLeaving(t *testing.T) {
	originSrv, canceled, release, hits := blockingOrigin(t)
	h := newHarness(t, 10*time.Second, WithCoalescing(true))
	target := originSrv.URL + "/shared"

	type result struct {
		resp *http.Response
		body string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h.client.Get(target)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		done <- result{resp: resp, body: string(b), err: err}
	}()
	require.Eventually(t, func() bool { return h.waiters(target) == 1 }, 2*time.Second, 5*time.Millisecond)

	impatient := make(chan error, 1)
	go func() { impatient <- h.getWithTimeout(target, 300*time.Millisecond) }()
	require.Eventually(t, func() bool { return h.waiters(target) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.Error(t, <-impatient)
	assert.Eventually(t, func() bool { return h.waiters(target) == 1 }, time.Second, 5*time.Millisecond)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.resp.StatusCode)
	assert.Equal(t, "released", res.body)

	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, canceled)
	assert.Equal(t, 1, h.store.Len())
}

func TestProxy_requestIDDoesNotClobberOriginHeader(t *testing.T) {
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "origin-id")
		io.WriteString(w, "ok")
	}))
	defer originSrv.Close()
	h := newHarness(t, 2*time.Second)

	miss, _ := h.get(t, originSrv.URL)
	hit, _ := h.get(t, originSrv.URL)

	for _, resp := range []*http.Response{miss, hit} {
		assert.Equal(t, []string{"origin-id"}, resp.Header.Values("X-Request-Id"))
		assert.Len(t, resp.Header.Values(HeaderRequestID), 1)
	}
	assert.NotEqual(t, miss.Header.Get(HeaderRequestID), hit.Header.Get(HeaderRequestID))
}
