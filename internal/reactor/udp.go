package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// UDPSocket is a non-blocking, reactor-registered datagram socket,
// covering the UDP leg of spec.md §4.4's "TCP/UDP/SSL/HTTP/WebSocket
// protocol logic".
type UDPSocket struct {
	fd   int
	r    *Reactor
	c    *conn
	addr *net.UDPAddr
}

// ListenUDP binds a non-blocking UDP socket registered with the reactor.
func ListenUDP(r *Reactor, address string) (*UDPSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve udp address %q: %w", address, err)
	}

	domain := unix.AF_INET
	if udpAddr.IP != nil && udpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	if domain == unix.AF_INET {
		var sa unix.SockaddrInet4
		sa.Port = udpAddr.Port
		if udpAddr.IP != nil {
			copy(sa.Addr[:], udpAddr.IP.To4())
		}
		err = unix.Bind(fd, &sa)
	} else {
		var sa unix.SockaddrInet6
		sa.Port = udpAddr.Port
		if udpAddr.IP != nil {
			copy(sa.Addr[:], udpAddr.IP.To16())
		}
		err = unix.Bind(fd, &sa)
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}

	c, err := r.register(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &UDPSocket{fd: fd, r: r, c: c, addr: udpAddr}, nil
}

// ReadFrom blocks until a datagram is available, translating EAGAIN into
// a wait on the reactor's readiness signal.
func (s *UDPSocket) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	for {
		n, sa, err := unix.Recvfrom(s.fd, p, 0)
		if err == nil {
			return n, sockaddrToUDPAddr(sa), nil
		}
		if err == unix.EAGAIN {
			<-s.c.readable
			continue
		}
		return 0, nil, err
	}
}

// WriteTo sends a datagram, translating EAGAIN into a wait on the
// reactor's writable signal.
func (s *UDPSocket) WriteTo(p []byte, addr *net.UDPAddr) (int, error) {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	for {
		err := unix.Sendto(s.fd, p, 0, sa)
		if err == nil {
			return len(p), nil
		}
		if err == unix.EAGAIN {
			<-s.c.writable
			continue
		}
		return 0, err
	}
}

func (s *UDPSocket) Close() error {
	s.r.unregister(s.fd)
	return unix.Close(s.fd)
}

func (s *UDPSocket) LocalAddr() net.Addr { return s.addr }

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	default:
		return &net.UDPAddr{}
	}
}
