// Package host owns the worker goroutine and its lifecycle: the single
// event loop that multiplexes the UDP datagram socket and the control
// channel, described in spec.md §2 and §4.6. Grounded on the original
// Listener::Run loop in alvr_server/Listener.h and on fpv-sender/main.go's
// App struct (context-free here; a plain exit flag plus WaitGroup mirrors
// the original's cooperative Stop()).
package host

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"alvr-server/internal/callback"
	"alvr-server/internal/config"
	"alvr-server/internal/netio"
	"alvr-server/internal/session"
	"alvr-server/internal/wire"
)

// pollTimeoutMs bounds each Poller.Wait call so CheckTimeout still runs
// promptly even with no socket traffic, per spec.md §4.1.
const pollTimeoutMs = 200

// backgroundNiceness approximates THREAD_PRIORITY_BELOW_NORMAL from the
// original Listener::Run (spec.md §3 SUPPLEMENTED FEATURES): Go has no
// portable thread-priority API, so this is a best-effort Linux niceness
// bump on the loop's locked OS thread, not a faithful reproduction.
const backgroundNiceness = 5

// Host is the Thread Host of spec.md §4.6.
type Host struct {
	poller  *netio.Poller
	socket  *netio.DatagramSocket
	control *netio.ControlChannel
	engine  *session.Engine
	logger  *slog.Logger

	// controlConnID is a per-connection correlation id, regenerated on each
	// accepted control-channel peer and attached to that connection's log
	// lines, the way tvarr's request_id middleware tags a request's logs.
	controlConnID string

	exiting atomic.Bool
	wg      sync.WaitGroup
}

// New builds a Host bound to cfg, wiring the Poller, DatagramSocket,
// ControlChannel and Session Engine together. Nothing is started yet.
func New(cfg config.Config, cmdHost callback.CommandHost, pose callback.PoseObserver, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poller, err := netio.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	socket, err := netio.NewDatagramSocket(cfg.UDPHost, cfg.UDPPort)
	if err != nil {
		poller.Close()
		return nil, fmt.Errorf("host: udp startup: %w", err)
	}
	control, err := netio.NewControlChannel(cfg.ControlHost, cfg.ControlPort)
	if err != nil {
		poller.Close()
		socket.Shutdown()
		return nil, fmt.Errorf("host: control startup: %w", err)
	}

	poller.Register(socket.Fd())
	poller.Register(control.Fd())

	engine := session.New(socket, cmdHost, pose, logger)

	return &Host{
		poller:  poller,
		socket:  socket,
		control: control,
		engine:  engine,
		logger:  logger,
	}, nil
}

// Start launches the worker goroutine. It returns immediately.
func (h *Host) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop sets the exit flag, shuts down both sockets (which unblocks any
// blocked syscalls against them), wakes the Poller, and joins the worker
// goroutine, per spec.md §4.6/§5.
func (h *Host) Stop() {
	h.exiting.Store(true)
	_ = h.socket.Shutdown()
	_ = h.control.Shutdown()
	_ = h.poller.Wake()
	h.wg.Wait()
	_ = h.poller.Close()
}

// SendVideoFrame is the producer-thread entry point from spec.md §4.5/§5.
// Safe to call concurrently with the event loop.
func (h *Host) SendVideoFrame(frame []byte, presentationTimeUs, frameIndex uint64) {
	h.engine.SendVideoFrame(frame, presentationTimeUs, frameIndex)
}

// GetTrackingSnapshot is the pose-consumer entry point from spec.md §4.5/§5.
func (h *Host) GetTrackingSnapshot() (wire.Tracking, bool) {
	return h.engine.GetTrackingSnapshot()
}

// DumpConfig returns the status dump from spec.md §6.
func (h *Host) DumpConfig() string {
	return h.engine.DumpConfig()
}

// UDPLocalPort returns the bound UDP datagram port, resolving an ephemeral
// bind (port 0) to its kernel-assigned value. Used by tests.
func (h *Host) UDPLocalPort() (int, error) {
	return h.socket.LocalPort()
}

// ControlLocalPort returns the bound control-channel port, resolving an
// ephemeral bind (port 0) to its kernel-assigned value. Used by tests.
func (h *Host) ControlLocalPort() (int, error) {
	return h.control.LocalPort()
}

func (h *Host) run() {
	defer h.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, backgroundNiceness); err != nil {
		h.logger.Debug("could not lower worker thread priority", "error", err)
	}

	for !h.exiting.Load() {
		h.engine.CheckTimeout()
		if err := h.control.FlushPending(); err != nil {
			h.logger.Debug("control flush failed", "error", err, "conn_id", h.controlConnID)
		}

		n, err := h.poller.Wait(pollTimeoutMs)
		if err != nil {
			h.logger.Warn("poller wait failed, retrying", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n <= 0 {
			continue
		}

		h.drainDatagrams()
		h.driveControlChannel()
	}
}

func (h *Host) drainDatagrams() {
	if !h.poller.Ready(h.socket.Fd()) {
		return
	}
	for {
		buf, addr, err := h.socket.Recv()
		if err == netio.ErrWouldBlock {
			return
		}
		if err != nil {
			h.logger.Debug("udp recv failed", "error", err)
			return
		}
		h.engine.HandleDatagram(addr, buf)
	}
}

func (h *Host) driveControlChannel() {
	if h.poller.Ready(h.control.Fd()) {
		if fd := h.control.Accept(); fd >= 0 {
			h.poller.Register(fd)
			h.controlConnID = uuid.New().String()
			h.logger.Info("control channel peer accepted", "conn_id", h.controlConnID)
		}
	}

	if !h.control.HasPeer() {
		return
	}
	peerFd := h.control.PeerFd()
	if !h.poller.Ready(peerFd) {
		return
	}

	lines, err := h.control.Recv()
	if err != nil {
		h.logger.Debug("control recv failed", "error", err, "conn_id", h.controlConnID)
	}
	if !h.control.HasPeer() {
		h.logger.Info("control channel peer disconnected", "conn_id", h.controlConnID)
		h.poller.Deregister(peerFd)
	}
	for _, line := range lines {
		resp := h.engine.HandleControlLine(line)
		if err := h.control.Send(resp); err != nil {
			h.logger.Debug("control send failed", "error", err, "conn_id", h.controlConnID)
		}
	}
}
