package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State of a tunnel session.
type State int32

const (
	Connecting State = iota
	Established
	Relaying
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	ClientToUpstream = "client->upstream"
	UpstreamToClient = "upstream->client"
)

// IOError reports a read or write failure on one leg of an established tunnel.
type IOError struct {
	Direction string
	Err       error
}

func (e *IOError) Error() string {
	return "tunnel " + e.Direction + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// errEndOfStream stops the copy loops on a clean EOF.
var errEndOfStream = errors.New("end of stream")

// Session is one CONNECT tunnel. It owns both connections once Serve is called.
type Session struct {
	ID     string
	Target string

	relay    *Relay
	log      *logrus.Entry
	upstream net.Conn
	opened   time.Time

	mu     sync.Mutex
	client net.Conn

	state     atomic.Int32
	closeOnce sync.Once

	bytesUp    atomic.Int64
	bytesDown  atomic.Int64
	lastActive atomic.Int64
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// idle reports whether neither direction moved a byte for the idle timeout.
func (s *Session) idle() bool {
	return time.Since(time.Unix(0, s.lastActive.Load())) >= s.relay.idleTimeout
}

// BytesUp returns the bytes relayed from the client to the target so far.
func (s *Session) BytesUp() int64 {
	return s.bytesUp.Load()
}

// BytesDown returns the bytes relayed from the target to the client so far.
func (s *Session) BytesDown() int64 {
	return s.bytesDown.Load()
}

// Serve relays bytes between client and the upstream connection until either
// side reaches EOF or fails, then closes both. rw, when not nil, is the buffered
// view of client left over from hijacking; it is read from and flushed after
// every write. A clean EOF or a local close returns nil.
func (s *Session) Serve(ctx context.Context, client net.Conn, rw *bufio.ReadWriter) error {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(Established), int32(Relaying)) {
		// closed before relaying started
		client.Close()
		return nil
	}
	defer s.Close()
	s.touch()

	var fromClient io.Reader = client
	var toClient io.Writer = client
	if rw != nil {
		fromClient = rw.Reader
		toClient = rw.Writer
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pipe(s.upstream, fromClient, client, ClientToUpstream, &s.bytesUp)
	})
	g.Go(func() error {
		return s.pipe(toClient, s.upstream, s.upstream, UpstreamToClient, &s.bytesDown)
	})
	go func() {
		<-gctx.Done()
		s.Close()
	}()

	err := g.Wait()
	if errors.Is(err, errEndOfStream) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	if err != nil {
		s.log.WithError(err).Debug("Tunnel I/O error")
	}
	return err
}

// pipe copies fixed size chunks from src to dst, flushing after every write.
// srcConn is the connection behind src, used for idle deadlines.
func (s *Session) pipe(dst io.Writer, src io.Reader, srcConn net.Conn, direction string, counter *atomic.Int64) error {
	buf := make([]byte, s.relay.bufferSize)
	flusher, _ := dst.(interface{ Flush() error })

	for {
		if s.relay.idleTimeout > 0 {
			srcConn.SetReadDeadline(time.Now().Add(s.relay.idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return &IOError{Direction: direction, Err: werr}
			}
			if flusher != nil {
				if ferr := flusher.Flush(); ferr != nil {
					return &IOError{Direction: direction, Err: ferr}
				}
			}
			counter.Add(int64(n))
			s.touch()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errEndOfStream
			}
			var netErr net.Error
			if s.relay.idleTimeout > 0 && errors.As(err, &netErr) && netErr.Timeout() && !s.idle() {
				// the other direction is still busy
				continue
			}
			return &IOError{Direction: direction, Err: err}
		}
	}
}

// Close tears down both legs. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(Closed)
		if s.upstream != nil {
			s.upstream.Close()
		}

		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		if client != nil {
			client.Close()
		}

		s.relay.untrack(s)
		s.log.WithFields(logrus.Fields{
			"session":    s.ID,
			"bytes_up":   s.bytesUp.Load(),
			"bytes_down": s.bytesDown.Load(),
			"duration":   time.Since(s.opened),
		}).Debug("Tunnel closed")
	})
}
