package netio

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// controlRecvBufferSize bounds one read from the accepted peer.
const controlRecvBufferSize = 4096

// ControlChannel is a local stream endpoint that accepts at most one
// supervisor connection at a time and exchanges newline-delimited ASCII
// commands/responses, per spec.md §4.3.
type ControlChannel struct {
	listenFd   int
	peerFd     int // -1 when no peer is connected
	pending    strings.Builder
	pendingOut []byte // unwritten tail of a previous Send, retried by FlushPending
}

// NewControlChannel binds and listens on host:port.
func NewControlChannel(host string, port int) (*ControlChannel, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
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
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: set nonblock: %w", err)
	}

	return &ControlChannel{listenFd: fd, peerFd: -1}, nil
}

// Fd returns the listening socket's file descriptor, for Poller registration.
func (c *ControlChannel) Fd() int { return c.listenFd }

// LocalPort returns the bound port, resolving an ephemeral bind (port 0)
// to its kernel-assigned value. Used by tests.
func (c *ControlChannel) LocalPort() (int, error) {
	sa, err := unix.Getsockname(c.listenFd)
	if err != nil {
		return 0, fmt.Errorf("netio: getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("netio: unexpected sockaddr type %T", sa)
	}
	return in4.Port, nil
}

// PeerFd returns the accepted peer's file descriptor, or -1 if none.
func (c *ControlChannel) PeerFd() int { return c.peerFd }

// HasPeer reports whether a supervisor is currently connected.
func (c *ControlChannel) HasPeer() bool { return c.peerFd >= 0 }

// Accept is non-blocking and idempotent: if a peer is already connected, or
// none is waiting, it is a no-op. It returns the newly accepted peer fd (to
// register with the Poller), or -1 if nothing changed.
func (c *ControlChannel) Accept() int {
	if c.peerFd >= 0 {
		return -1
	}
	fd, _, err := unix.Accept(c.listenFd)
	if err != nil {
		return -1
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1
	}
	c.peerFd = fd
	return fd
}

// Recv makes one read from the peer socket and returns any complete
// newline-delimited lines. Partial tail bytes are buffered until the next call, per spec.md
// §4.3. On peer disconnect, the buffered partial line is dropped and the
// peer fd is closed and reset to -1; callers should Deregister it from the
// Poller.
func (c *ControlChannel) Recv() ([]string, error) {
	if c.peerFd < 0 {
		return nil, nil
	}
	var buf [controlRecvBufferSize]byte
	n, err := unix.Read(c.peerFd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		c.closePeer()
		return nil, fmt.Errorf("netio: read: %w", err)
	}
	if n == 0 {
		c.closePeer()
		return nil, nil
	}

	c.pending.Write(buf[:n])
	data := c.pending.String()
	var lines []string
	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(data[:idx], "\r"))
		data = data[idx+1:]
	}
	c.pending.Reset()
	c.pending.WriteString(data)
	return lines, nil
}

// Send queues response for the current peer and writes as much of it as the
// socket accepts without blocking. If there is no peer, the response is silently
// dropped, per spec.md §4.3. A response that cannot be written in full
// without blocking is not retried here: per spec.md §5, only the Poller's
// wait call may block, so the unwritten remainder is queued in pendingOut
// and left for FlushPending to retry on a later event-loop iteration
// instead of spinning the caller against EAGAIN.
func (c *ControlChannel) Send(response string) error {
	if c.peerFd < 0 {
		return nil
	}
	c.pendingOut = append(c.pendingOut, response...)
	return c.FlushPending()
}

// FlushPending writes bytes queued by a prior Send that did not fully
// complete, until the queue is empty or the socket would block. Called once per event-loop
// iteration so a slow or non-reading peer throttles at the Poller's pace
// rather than busy-spinning the worker goroutine.
func (c *ControlChannel) FlushPending() error {
	for c.peerFd >= 0 && len(c.pendingOut) > 0 {
		n, err := unix.Write(c.peerFd, c.pendingOut)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			c.closePeer()
			return fmt.Errorf("netio: write: %w", err)
		}
		c.pendingOut = c.pendingOut[n:]
	}
	return nil
}

func (c *ControlChannel) closePeer() {
	if c.peerFd >= 0 {
		unix.Close(c.peerFd)
		c.peerFd = -1
		c.pending.Reset()
		c.pendingOut = nil
	}
}

// Shutdown closes both the listening socket and any accepted peer.
func (c *ControlChannel) Shutdown() error {
	c.closePeer()
	return unix.Close(c.listenFd)
}
