package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// RecvBufferSize is the receive buffer size from spec.md §4.2: packets
// larger than this are truncated and discarded.
const RecvBufferSize = 2000

// ErrWouldBlock is returned by Recv when no datagram is currently available.
var ErrWouldBlock = errors.New("netio: would block")

// DatagramSocket is a bound, non-blocking UDP endpoint that tracks the
// "current client" address, per spec.md §4.2. Grounded on the raw-socket
// style of malbeclabs-doublezero's uping package and on the original
// UdpSocket wrapper in alvr_server/Listener.h.
type DatagramSocket struct {
	fd  int
	buf [RecvBufferSize]byte

	mu       sync.RWMutex
	client   net.UDPAddr
	hasClient bool
}

// NewDatagramSocket binds a non-blocking UDP socket to host:port.
func NewDatagramSocket(host string, port int) (*DatagramSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("netio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: reuseaddr: %w", err)
	}

	sa, err := sockaddrInet4(host, port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: bind %s:%d: %w", host, port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: set nonblock: %w", err)
	}

	return &DatagramSocket{fd: fd}, nil
}

// Fd returns the underlying file descriptor, for Poller registration.
func (d *DatagramSocket) Fd() int { return d.fd }

// LocalPort returns the bound port, resolving an ephemeral bind (port 0)
// to its kernel-assigned value. Used by tests.
func (d *DatagramSocket) LocalPort() (int, error) {
	sa, err := unix.Getsockname(d.fd)
	if err != nil {
		return 0, fmt.Errorf("netio: getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("netio: unexpected sockaddr type %T", sa)
	}
	return in4.Port, nil
}

// Recv reads one pending datagram. It returns ErrWouldBlock if none is
// available and never blocks. A datagram larger than RecvBufferSize is
// discarded and reported as an error.
func (d *DatagramSocket) Recv() ([]byte, net.UDPAddr, error) {
	n, from, err := unix.Recvfrom(d.fd, d.buf[:], unix.MSG_TRUNC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, net.UDPAddr{}, ErrWouldBlock
		}
		return nil, net.UDPAddr{}, fmt.Errorf("netio: recvfrom: %w", err)
	}
	if n > len(d.buf) {
		return nil, net.UDPAddr{}, fmt.Errorf("netio: discarded %d-byte datagram larger than receive buffer", n)
	}
	addr, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return nil, net.UDPAddr{}, fmt.Errorf("netio: unexpected sockaddr type %T", from)
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	return out, net.UDPAddr{IP: net.IP(addr.Addr[:]).To4(), Port: addr.Port}, nil
}

// Send writes buf to the currently set client address. Per spec.md §4.2,
// sending with no client set is an error returned to the caller, not a
// panic or log: the Session Engine is expected to have short-circuited
// already, but Send stays defensive.
func (d *DatagramSocket) Send(buf []byte) error {
	d.mu.RLock()
	client, ok := d.client, d.hasClient
	d.mu.RUnlock()
	if !ok {
		return errors.New("netio: no client set")
	}
	sa, err := sockaddrInet4(client.IP.String(), client.Port)
	if err != nil {
		return err
	}
	if err := unix.Sendto(d.fd, buf, 0, sa); err != nil {
		return fmt.Errorf("netio: sendto: %w", err)
	}
	return nil
}

// SetClient sets the current client address.
func (d *DatagramSocket) SetClient(addr net.UDPAddr) {
	d.mu.Lock()
	d.client = addr
	d.hasClient = true
	d.mu.Unlock()
}

// InvalidateClient clears the current client address.
func (d *DatagramSocket) InvalidateClient() {
	d.mu.Lock()
	d.hasClient = false
	d.client = net.UDPAddr{}
	d.mu.Unlock()
}

// IsClientValid reports whether a client address is currently set.
func (d *DatagramSocket) IsClientValid() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasClient
}

// IsLegitClient reports whether addr is byte-equal to the current client
// address, per spec.md §4.2.
func (d *DatagramSocket) IsLegitClient(addr net.UDPAddr) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasClient && d.client.IP.Equal(addr.IP) && d.client.Port == addr.Port
}

// Shutdown closes the socket, which also unblocks any blocked recvfrom.
func (d *DatagramSocket) Shutdown() error {
	return unix.Close(d.fd)
}

func sockaddrInet4(host string, port int) (*unix.SockaddrInet4, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		// Allow empty/"0.0.0.0" style bind hosts.
		ip = net.IPv4zero
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("netio: %q is not an IPv4 address", host)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}
