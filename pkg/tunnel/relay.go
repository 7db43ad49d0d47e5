package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultBufferSize  = 32 * 1024
	defaultDialTimeout = 10 * time.Second
)

// ErrDialFailed wraps failures to reach the tunnel target.
var ErrDialFailed = errors.New("tunnel dial failed")

type Option func(*Relay)

func WithDialTimeout(timeout time.Duration) Option {
	return func(r *Relay) {
		r.dialTimeout = timeout
	}
}

// WithTLS makes the upstream leg negotiate TLS with the target. An empty
// ServerName in cfg is filled with the target host.
func WithTLS(cfg *tls.Config) Option {
	return func(r *Relay) {
		r.tlsConfig = cfg
	}
}

// WithBufferSize sets the chunk size of each copy loop.
func WithBufferSize(size int) Option {
	return func(r *Relay) {
		if size > 0 {
			r.bufferSize = size
		}
	}
}

// WithIdleTimeout closes sessions that move no bytes in either direction for d.
// Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.idleTimeout = d
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(r *Relay) {
		r.log = logger.WithField("component", "tunnel_relay")
	}
}

// Relay opens upstream connections for CONNECT requests and tracks the live sessions.
type Relay struct {
	dialTimeout time.Duration
	idleTimeout time.Duration
	tlsConfig   *tls.Config
	bufferSize  int
	log         *logrus.Entry

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func New(opts ...Option) *Relay {
	r := &Relay{
		dialTimeout: defaultDialTimeout,
		bufferSize:  defaultBufferSize,
		log:         logrus.StandardLogger().WithField("component", "tunnel_relay"),
		sessions:    make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial connects to target. On success the session is Established and owns the
// upstream connection; on failure no connection is left open.
func (r *Relay) Dial(ctx context.Context, target string) (*Session, error) {
	host, port, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, port)

	s := &Session{
		ID:     uuid.NewString(),
		Target: addr,
		relay:  r,
		log:    r.log.WithField("target", addr),
	}
	s.setState(Connecting)

	dialer := &net.Dialer{Timeout: r.dialTimeout}
	var conn net.Conn
	if r.tlsConfig != nil {
		cfg := r.tlsConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		s.setState(Failed)
		s.log.WithError(err).Warn("Tunnel dial failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrDialFailed, addr, err)
	}

	s.upstream = conn
	s.opened = time.Now()
	s.setState(Established)
	r.track(s)
	return s, nil
}

// Active returns the number of sessions that are established or relaying.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll tears down every live session.
func (r *Relay) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		r.log.WithField("count", len(sessions)).Info("Closed live tunnels")
	}
}

func (r *Relay) track(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

func (r *Relay) untrack(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}
