// Package reactor implements the epoll-based network reactor of spec.md
// §4.4: one OS thread polling socket readiness for every TCP, UDP, SSL,
// and (by extension) HTTP/WebSocket session, handing readiness to
// per-connection callbacks that never block.
//
// Grounded on
// other_examples/d6f88aa8_anamulislamshamim-go_raw_epoll_http_server's
// Socket/SetNonblock/EpollCreate1/EpollCtl/EpollWait sequence, generalised
// from that single-purpose demo into a registry of arbitrary fds. Uses
// golang.org/x/sys/unix (already a teacher dependency, via appointment's
// OFD locking) rather than the syscall package, since unix exposes the
// typed EpollEvent/Flock_t helpers the teacher's own appointment code
// relies on.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Metrics is the narrow adapter the reactor needs from
// internal/metrics, keeping this package free of a prometheus import.
type Metrics interface {
	IncReactorEvent(kind string)
}

type noopMetrics struct{}

func (noopMetrics) IncReactorEvent(string) {}

// conn is one registered file descriptor's readiness-signalling state.
type conn struct {
	fd       int
	readable chan struct{}
	writable chan struct{}
}

func newConn(fd int) *conn {
	return &conn{fd: fd, readable: make(chan struct{}, 1), writable: make(chan struct{}, 1)}
}

func (c *conn) signalReadable() {
	select {
	case c.readable <- struct{}{}:
	default:
	}
}

func (c *conn) signalWritable() {
	select {
	case c.writable <- struct{}{}:
	default:
	}
}

// Reactor owns one epoll instance and the registry of fds polled on it.
// Spec.md §5 assigns it its own OS thread; callers run it via Run in a
// dedicated goroutine.
type Reactor struct {
	epfd int

	mu    sync.Mutex
	conns map[int]*conn

	eventBufferSize int
	throttleSize    int
	acceptLimiter   *rate.Limiter
	metrics         Metrics
}

// New creates a reactor with its own epoll instance. eventBufferSize
// bounds the number of events drained per EpollWait call (spec.md §6
// network.event_buffer_size); throttleSize (network.throttle_size) is
// stored and reported by ThrottleSize, and nothing in this package reads
// it: reads are never paused or bounded by it; acceptRatePerSec throttles
// listener Accept calls.
func New(eventBufferSize, throttleSize int, acceptRatePerSec float64, m Metrics) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	if eventBufferSize <= 0 {
		eventBufferSize = 256
	}
	if throttleSize <= 0 {
		throttleSize = 1 << 20
	}
	if m == nil {
		m = noopMetrics{}
	}
	limit := rate.Inf
	if acceptRatePerSec > 0 {
		limit = rate.Limit(acceptRatePerSec)
	}
	return &Reactor{
		epfd:            epfd,
		conns:           make(map[int]*conn),
		eventBufferSize: eventBufferSize,
		throttleSize:    throttleSize,
		acceptLimiter:   rate.NewLimiter(limit, int(acceptRatePerSec)+1),
		metrics:         m,
	}, nil
}

// ThrottleSize returns the configured network.throttle_size value. No
// socket implementation in this module consults it.
func (r *Reactor) ThrottleSize() int { return r.throttleSize }

// AcceptLimiter exposes the accept-rate limiter so Listener can honour
// spec.md §6 network.accept_rate_per_sec: Listener.Accept waits on it
// after each accepted connection, before returning it.
func (r *Reactor) AcceptLimiter() *rate.Limiter { return r.acceptLimiter }

// register adds fd to the epoll set, interested in read, write, and
// peer-hangup readiness, level-triggered (matching the grounding
// example; edge-triggered would additionally require draining to
// EAGAIN on every wakeup).
func (r *Reactor) register(fd int) (*conn, error) {
	c := newConn(fd)
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	r.mu.Lock()
	r.conns[fd] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Reactor) unregister(fd int) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	r.mu.Lock()
	delete(r.conns, fd)
	r.mu.Unlock()
}

// Run is the reactor's thread loop: EpollWait, dispatch readiness
// signals, repeat until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, r.eventBufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, 200) // ms timeout, to recheck ctx
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		r.mu.Lock()
		for i := 0; i < n; i++ {
			e := events[i]
			c, ok := r.conns[int(e.Fd)]
			if !ok {
				continue
			}
			if e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				c.signalReadable()
				r.metrics.IncReactorEvent("readable")
			}
			if e.Events&unix.EPOLLOUT != 0 {
				c.signalWritable()
				r.metrics.IncReactorEvent("writable")
			}
		}
		r.mu.Unlock()
	}
}

// Close releases the epoll fd. Registered connections must be closed by
// their owners first.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

// fdConn adapts a non-blocking, reactor-registered fd to net.Conn,
// translating EAGAIN into a wait on the reactor's readiness channel
// rather than a busy loop or a blocking syscall — this is what lets
// crypto/tls, which expects a synchronous net.Conn, run directly on top
// of the epoll reactor.
type fdConn struct {
	fd             int
	r              *Reactor
	c              *conn
	local, remote  net.Addr
	closeOnce      sync.Once
}

func (f *fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(f.fd, p)
		if err == nil {
			if n == 0 {
				return 0, errClosedByPeer
			}
			return n, nil
		}
		if errors.Is(err, unix.EAGAIN) {
			<-f.c.readable
			continue
		}
		return 0, err
	}
}

func (f *fdConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(f.fd, p[written:])
		if n > 0 {
			written += n
		}
		if err == nil {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			<-f.c.writable
			continue
		}
		return written, err
	}
	return written, nil
}

func (f *fdConn) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.r.unregister(f.fd)
		err = unix.Close(f.fd)
	})
	return err
}

func (f *fdConn) LocalAddr() net.Addr  { return f.local }
func (f *fdConn) RemoteAddr() net.Addr { return f.remote }

// Deadlines are not supported by this raw-fd transport; callers rely on
// the fiber scheduler's fail_timeout (spec.md §4.1) for stuck-connection
// detection instead.
func (f *fdConn) SetDeadline(time.Time) error      { return nil }
func (f *fdConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fdConn) SetWriteDeadline(time.Time) error { return nil }

// errClosedByPeer is what Read returns on an orderly peer shutdown; it is
// io.EOF so fdConn behaves like any other net.Conn at end of stream.
var errClosedByPeer = io.EOF

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	default:
		return &net.TCPAddr{}
	}
}

func logAcceptError(err error) {
	slog.Warn("reactor: accept failed", "error", err)
}
