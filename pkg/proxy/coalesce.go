package proxy

import (
	"context"
	"net/http"

	"github.com/ashpect/fwdproxy/pkg/cache"
	"github.com/ashpect/fwdproxy/pkg/fingerprint"
	"github.com/ashpect/fwdproxy/pkg/origin"
)

// flight is one shared origin fetch and the requests waiting on it.
// Fields are guarded by Proxy.flightsMu.
type flight struct {
	run     func() (any, error)
	cancel  context.CancelFunc
	waiters int
}

// coalescedFetch joins the in-flight fetch for key or starts one. Each caller
// stops waiting when its own request ends; the fetch is canceled once the last
// waiter is gone.
func (p *Proxy) coalescedFetch(r *http.Request, key fingerprint.Fingerprint, fetch func(context.Context) (*cache.CachedResponse, error)) (*cache.CachedResponse, error) {
	name := key.String()

	p.flightsMu.Lock()
	f, shared := p.flights[name]
	if !shared {
		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		f = &flight{cancel: cancel}
		f.run = func() (any, error) {
			defer cancel()
			resp, err := fetch(ctx)

			p.flightsMu.Lock()
			if p.flights[name] == f {
				delete(p.flights, name)
			}
			p.flightsMu.Unlock()
			return resp, err
		}
		p.flights[name] = f
	}
	// a flight leaves the map before its call returns, so this joins f's call
	result := p.group.DoChan(name, f.run)
	f.waiters++
	p.flightsMu.Unlock()

	if shared {
		p.log.WithField("fingerprint", key.Short()).Debug("Joined in-flight origin fetch")
	}

	select {
	case res := <-result:
		p.leave(name, f)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.CachedResponse), nil
	case <-r.Context().Done():
		p.leave(name, f)
		return nil, &origin.UnavailableError{Method: r.Method, URL: r.URL.String(), Err: r.Context().Err()}
	}
}

// leave drops one waiter from f. The last waiter of an unfinished flight cancels
// its fetch and forgets the call so later misses start afresh.
func (p *Proxy) leave(name string, f *flight) {
	p.flightsMu.Lock()
	defer p.flightsMu.Unlock()

	f.waiters--
	if f.waiters > 0 || p.flights[name] != f {
		return
	}
	delete(p.flights, name)
	p.group.Forget(name)
	f.cancel()
	p.log.WithField("fingerprint", name[:12]).Debug("Canceled origin fetch with no waiters left")
}
