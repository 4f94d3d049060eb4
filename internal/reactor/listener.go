package reactor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Listener accepts TCP connections through the reactor's epoll loop,
// honouring the configured accept-rate limit (spec.md §6
// network.accept_rate_per_sec) and handing each accepted fd back as a
// net.Conn so callers (including crypto/tls, for SSL listeners) can use
// ordinary synchronous Read/Write.
type Listener struct {
	r    *Reactor
	fd   int
	c    *conn
	addr *net.TCPAddr
}

// Listen creates a non-blocking, reactor-registered TCP listener bound to
// address (host:port; empty host means all interfaces).
func Listen(r *Reactor, address string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", address, err)
	}

	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	if domain == unix.AF_INET {
		var sa unix.SockaddrInet4
		sa.Port = tcpAddr.Port
		copy(sa.Addr[:], tcpAddr.IP.To4())
		err = unix.Bind(fd, &sa)
	} else {
		var sa unix.SockaddrInet6
		sa.Port = tcpAddr.Port
		copy(sa.Addr[:], tcpAddr.IP.To16())
		err = unix.Bind(fd, &sa)
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	c, err := r.register(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Listener{r: r, fd: fd, c: c, addr: tcpAddr}, nil
}

// Accept blocks (via the reactor's readiness channel, not a busy loop)
// until a connection is pending, rate-limits per
// network.accept_rate_per_sec, and returns it as a plain net.Conn.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		connFD, sa, err := unix.Accept(l.fd)
		if err != nil {
			if err == unix.EAGAIN {
				<-l.c.readable
				continue
			}
			logAcceptError(err)
			return nil, fmt.Errorf("accept: %w", err)
		}
		if err := l.r.acceptLimiter.Wait(context.Background()); err != nil {
			unix.Close(connFD)
			return nil, err
		}
		if err := unix.SetNonblock(connFD, true); err != nil {
			unix.Close(connFD)
			return nil, fmt.Errorf("set nonblocking accepted conn: %w", err)
		}
		cc, err := l.r.register(connFD)
		if err != nil {
			unix.Close(connFD)
			return nil, err
		}
		l.r.metrics.IncReactorEvent("accept")
		return &fdConn{fd: connFD, r: l.r, c: cc, local: l.addr, remote: sockaddrToTCPAddr(sa)}, nil
	}
}

func (l *Listener) Close() error {
	l.r.unregister(l.fd)
	return unix.Close(l.fd)
}

func (l *Listener) Addr() net.Addr { return l.addr }

// ListenSSL wraps a reactor-driven Listener with TLS, per spec.md §6's
// network.ssl.server_certificate and server_private_key keys;
// trusted_ca_path is not consulted and client certificates are not
// verified. It returns an ordinary net.Listener: tls.NewListener
// composes directly with our Listener because both satisfy net.Listener
// and net.Conn, so TLS's synchronous handshake runs transparently on top
// of the epoll-driven, EAGAIN-translating fdConn.
func ListenSSL(r *Reactor, address, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load SSL keypair: %w", err)
	}
	base, err := Listen(r, address)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return tls.NewListener(base, cfg), nil
}
