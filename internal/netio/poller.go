// Package netio implements the raw, non-blocking socket layer described in
// spec.md §4.1-§4.3: a level-triggered Poller over a fixed set of file
// descriptors, a UDP DatagramSocket, and a single-peer stream
// ControlChannel. Grounded on malbeclabs-doublezero's tools/uping/pkg/uping
// package, which opens raw sockets directly against golang.org/x/sys/unix
// and multiplexes them with unix.Poll plus an eventfd wakeup rather than
// net.Conn's blocking model.
package netio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poller is a level-triggered readiness multiplexer over a small, fixed set
// of file descriptors, per spec.md §4.1. It is not safe for concurrent use;
// the Thread Host owns it from one goroutine.
type Poller struct {
	fds    []unix.PollFd
	wakeFd int // eventfd used purely to interrupt a blocked Wait on Shutdown
}

// NewPoller creates a Poller with its wakeup eventfd registered.
func NewPoller() (*Poller, error) {
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netio: eventfd: %w", err)
	}
	p := &Poller{wakeFd: wakeFd}
	p.fds = append(p.fds, unix.PollFd{Fd: int32(wakeFd), Events: unix.POLLIN})
	return p, nil
}

// Register adds fd to the set of descriptors watched for readability.
// The sockets are registered once before the event loop starts; an accepted
// control-channel peer is registered from inside the loop.
func (p *Poller) Register(fd int) {
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
}

// Deregister removes fd from the watched set (used when a control-channel
// peer disconnects and a new one may later be accepted).
func (p *Poller) Deregister(fd int) {
	for i, pfd := range p.fds {
		if int(pfd.Fd) == fd {
			p.fds = append(p.fds[:i], p.fds[i+1:]...)
			return
		}
	}
}

// Ready reports whether fd was marked readable by the most recent Wait call.
func (p *Poller) Ready(fd int) bool {
	for _, pfd := range p.fds {
		if int(pfd.Fd) == fd {
			return pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		}
	}
	return false
}

// Wait blocks until any registered descriptor is readable or timeoutMs
// elapses, returning the number of ready descriptors. A spurious wake
// (nready == 0) is not an error; callers loop, per spec.md §4.1. EINTR is
// retried transparently.
func (p *Poller) Wait(timeoutMs int) (int, error) {
	for {
		n, err := unix.Poll(p.fds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("netio: poll: %w", err)
		}
		if p.Ready(p.wakeFd) {
			var buf [8]byte
			_, _ = unix.Read(p.wakeFd, buf[:])
			n--
		}
		return n, nil
	}
}

// Wake interrupts a blocked Wait call. Safe to call once from another
// goroutine during Shutdown.
func (p *Poller) Wake() error {
	one := [8]byte{1}
	_, err := unix.Write(p.wakeFd, one[:])
	return err
}

// Close releases the wakeup eventfd.
func (p *Poller) Close() error {
	return unix.Close(p.wakeFd)
}
