package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ashpect/fwdproxy/pkg/metrics"
	"github.com/ashpect/fwdproxy/pkg/tunnel"
	"github.com/sirupsen/logrus"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n"

// serveTunnel answers a CONNECT request: it dials the target, takes over the
// client connection and relays bytes until either side is done.
func (p *Proxy) serveTunnel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	target := r.URL.Host
	if target == "" {
		target = r.RequestURI
	}
	log := p.log.WithFields(logrus.Fields{
		"request_id": RequestID(r.Context()),
		"target":     target,
	})

	if _, _, err := tunnel.ParseTarget(target); err != nil {
		p.counters.BadRequests.Add(1)
		log.WithError(err).Info("Rejected tunnel target")
		http.Error(w, "CONNECT target must be host:port", http.StatusBadRequest)
		return
	}

	session, err := p.relay.Dial(r.Context(), target)
	if err != nil {
		p.counters.TunnelsFailed.Add(1)
		status := http.StatusBadGateway
		if errors.Is(err, tunnel.ErrBadTarget) {
			status = http.StatusBadRequest
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	p.latency.Since(metrics.OpTunnelDial, start)

	conn, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		session.Close()
		log.WithError(err).Error("Connection can not be hijacked")
		http.Error(w, "tunneling not supported", http.StatusInternalServerError)
		return
	}
	// the server's read and write deadlines no longer apply
	conn.SetDeadline(time.Time{})

	fmt.Fprintf(rw, "%s%s: %s\r\n\r\n", connectEstablished, HeaderProxyAgent, p.agent)
	if err := rw.Flush(); err != nil {
		session.Close()
		conn.Close()
		log.WithError(err).Debug("Client left before the tunnel opened")
		return
	}

	p.counters.TunnelsOpened.Add(1)
	log.WithField("session", session.ID).Debug("Tunnel established")

	err = session.Serve(r.Context(), conn, rw)
	p.counters.TunnelBytes.Add(session.BytesUp() + session.BytesDown())
	if err != nil {
		log.WithError(err).Debug("Tunnel ended with error")
	}
}
