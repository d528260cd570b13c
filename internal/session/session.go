// Package session implements the Idle → Connected → Streaming state machine,
// discovery table, clock synchronization and control-command dispatch
// described in spec.md §4.5. It is grounded on the original
// alvr_server/Listener.h, translated into idiomatic Go: the racy C++ fields
// (m_Connected, m_Streaming, m_Socket's client address) are replaced by one
// mutex-guarded state record, and TimeDiff is signed per spec.md §9.
package session

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"alvr-server/internal/callback"
	"alvr-server/internal/wire"
)

// idleTimeout is the liveness window from spec.md §4.5: 60 seconds with no
// accepted inbound traffic returns the session to Idle.
const idleTimeout = 60 * time.Second

// Socket is the subset of netio.DatagramSocket the engine needs. It is
// satisfied structurally so this package never imports netio.
type Socket interface {
	SetClient(addr net.UDPAddr)
	InvalidateClient()
	IsClientValid() bool
	IsLegitClient(addr net.UDPAddr) bool
	Send(buf []byte) error
}

// state is the {ClientEndpoint, Connected, Streaming} triple, written only
// by the event loop and read by the video-producer goroutine. Guarding it
// as one record under one RWMutex is the fix spec.md §9 calls for in place
// of the source's independently-racy booleans.
type state struct {
	mu        sync.RWMutex
	client    net.UDPAddr
	connected bool
	streaming bool
}

func (s *state) snapshot() (net.UDPAddr, bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.connected, s.streaming
}

// Engine is the Session Engine of spec.md §4.5.
type Engine struct {
	socket   Socket
	cmdHost  callback.CommandHost
	pose     callback.PoseObserver
	logger   *slog.Logger
	now      func() time.Time

	state state

	lastSeenUs atomic.Int64
	timeDiffUs atomic.Int64 // signed, per spec.md §9

	settingsMu sync.Mutex
	settings   wire.ChangeSettings

	snapshotMu sync.Mutex
	snapshot   wire.Tracking
	hasTracking bool

	discoveryMu sync.Mutex
	discovery   discoveryTable

	packetizer *wire.Packetizer
}

// New constructs an idle Engine bound to socket.
func New(socket Socket, cmdHost callback.CommandHost, pose callback.PoseObserver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		socket:     socket,
		cmdHost:    cmdHost,
		pose:       pose,
		logger:     logger,
		now:        time.Now,
		packetizer: wire.NewPacketizer(),
	}
}

func nowUs(t time.Time) uint64 { return uint64(t.UnixMicro()) }

// HandleDatagram routes one inbound UDP datagram through the codec and into
// the state machine, per spec.md §4.4/§4.5. Malformed or unauthorized
// datagrams are logged and dropped; the loop never fails on bad input.
func (e *Engine) HandleDatagram(src net.UDPAddr, buf []byte) {
	ty, err := wire.Type(buf)
	if err != nil {
		e.logger.Debug("dropping short datagram", "len", len(buf))
		return
	}

	// Invariant 2: every type other than Hello is gated on the source
	// matching the current client endpoint.
	if ty != wire.TypeHello {
		_, connected, _ := e.state.snapshot()
		if !connected || !e.socket.IsLegitClient(src) {
			e.logger.Warn("dropping datagram from unauthorized address", "addr", src.String(), "type", ty)
			return
		}
	}

	switch ty {
	case wire.TypeHello:
		h, err := wire.DecodeHello(buf)
		if err != nil {
			e.logger.Debug("malformed hello", "error", err)
			return
		}
		e.pushRequest(src, h)

	case wire.TypeTracking:
		tr, err := wire.DecodeTracking(buf)
		if err != nil {
			e.logger.Debug("malformed tracking", "error", err)
			return
		}
		e.updateLastSeen()
		e.snapshotMu.Lock()
		e.snapshot = tr
		e.hasTracking = true
		e.snapshotMu.Unlock()
		if e.pose != nil {
			e.pose.OnPoseUpdated()
		}

	case wire.TypeTimeSync:
		ts, err := wire.DecodeTimeSync(buf)
		if err != nil {
			e.logger.Debug("malformed timesync", "error", err)
			return
		}
		e.updateLastSeen()
		e.handleTimeSync(ts)

	case wire.TypeStreamControl:
		sc, err := wire.DecodeStreamControl(buf)
		if err != nil {
			e.logger.Debug("malformed streamcontrol", "error", err)
			return
		}
		e.updateLastSeen()
		e.handleStreamControl(sc)

	default:
		e.logger.Debug("dropping unknown datagram type", "type", ty)
	}
}

func (e *Engine) pushRequest(src net.UDPAddr, h wire.Hello) {
	name := sanitizeDeviceName(h.DeviceName)
	ts := nowUs(e.now())
	e.discoveryMu.Lock()
	e.discovery.push(src, name, ts)
	e.discoveryMu.Unlock()
	e.logger.Debug("hello", "addr", src.String(), "device", name)
}

func (e *Engine) handleTimeSync(ts wire.TimeSync) {
	current := nowUs(e.now())
	switch ts.Mode {
	case 0:
		reply := wire.TimeSync{
			Mode:       1,
			Sequence:   ts.Sequence,
			ServerTime: current,
			ClientTime: ts.ClientTime,
		}
		buf := make([]byte, 28)
		n, _ := reply.Encode(buf)
		if err := e.socket.Send(buf[:n]); err != nil {
			e.logger.Debug("timesync reply send failed", "error", err)
		}
	case 2:
		rtt := int64(current) - int64(ts.ServerTime)
		diff := int64(current) - (int64(ts.ClientTime) + rtt/2)
		e.timeDiffUs.Store(diff)
		e.logger.Debug("timesync", "diff_us", diff, "rtt_us", rtt)
	}
}

func (e *Engine) handleStreamControl(sc wire.StreamControl) {
	e.state.mu.Lock()
	switch sc.Mode {
	case wire.StreamModeStart:
		e.state.streaming = true
	case wire.StreamModeStop:
		e.state.streaming = false
	}
	e.state.mu.Unlock()
}

// updateLastSeen stamps LastSeen with the current time, per spec.md invariant 5.
func (e *Engine) updateLastSeen() {
	e.lastSeenUs.Store(int64(nowUs(e.now())))
}

// ClientToServerTime converts a client-clock microsecond timestamp to the
// server clock, per spec.md §4.5.
func (e *Engine) ClientToServerTime(clientUs uint64) uint64 {
	return uint64(int64(clientUs) + e.timeDiffUs.Load())
}

// ServerToClientTime converts a server-clock microsecond timestamp to the
// client clock, per spec.md §4.5.
func (e *Engine) ServerToClientTime(serverUs uint64) uint64 {
	return uint64(int64(serverUs) - e.timeDiffUs.Load())
}

// TimeDiffUs returns the current signed clock offset.
func (e *Engine) TimeDiffUs() int64 { return e.timeDiffUs.Load() }

// SendVideoFrame fragments frame and sends it to the connected client, only
// while Streaming (which implies Connected per invariant 1). Per spec.md
// §4.6/§7, failures and the not-streaming/not-connected cases are silent
// drops, never surfaced to the caller.
func (e *Engine) SendVideoFrame(frame []byte, presentationTimeUs, frameIndex uint64) {
	_, connected, streaming := e.state.snapshot()
	if !connected || !streaming {
		return
	}
	for _, frag := range e.packetizer.Fragment(frame, presentationTimeUs, frameIndex) {
		if err := e.socket.Send(frag.Bytes); err != nil {
			e.logger.Debug("video fragment send failed", "error", err)
			return
		}
	}
}

// GetTrackingSnapshot returns a copy of the latest tracking record, or the
// zero value if none has arrived yet. Safe to call concurrently with the
// event loop per spec.md invariant 4.
func (e *Engine) GetTrackingSnapshot() (wire.Tracking, bool) {
	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()
	return e.snapshot, e.hasTracking
}

// CheckTimeout returns the session to Idle if the connected client has been
// silent for longer than idleTimeout, per spec.md §4.5.
func (e *Engine) CheckTimeout() {
	_, connected, _ := e.state.snapshot()
	if !connected {
		return
	}
	last := e.lastSeenUs.Load()
	if nowUs(e.now())-uint64(last) > uint64(idleTimeout.Microseconds()) {
		e.state.mu.Lock()
		e.state.connected = false
		e.state.mu.Unlock()
		e.socket.InvalidateClient()
		e.logger.Info("client timed out for idle")
	}
}

// HandleControlLine parses and dispatches one supervisor command line (no
// trailing newline), per spec.md §4.5, and returns the full response
// (newline-terminated).
func (e *Engine) HandleControlLine(line string) string {
	name, args, _ := strings.Cut(line, " ")
	e.logger.Debug("control command", "name", name, "args", args)

	switch name {
	case "EnableTestMode":
		v, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return "Fail\n"
		}
		e.settingsMu.Lock()
		e.settings.TestMode = int32(v)
		cs := e.settings
		e.settingsMu.Unlock()
		e.sendChangeSettings(cs)
		return "Success\n"

	case "Suspend":
		v, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return "Fail\n"
		}
		e.settingsMu.Lock()
		e.settings.Suspend = int32(v)
		cs := e.settings
		e.settingsMu.Unlock()
		e.sendChangeSettings(cs)
		return "Success\n"

	case "GetRequests":
		return e.getRequestsResponse()

	case "Connect":
		return e.handleConnect(strings.TrimSpace(args))

	case "GetStatus":
		return e.DumpConfig()

	default:
		if e.cmdHost != nil {
			return e.cmdHost.OnUnknownCommand(name, args)
		}
		return "Fail\n"
	}
}

func (e *Engine) sendChangeSettings(cs wire.ChangeSettings) {
	if !e.socket.IsClientValid() {
		return
	}
	buf := make([]byte, 12)
	n, _ := cs.Encode(buf)
	if err := e.socket.Send(buf[:n]); err != nil {
		e.logger.Debug("change settings send failed", "error", err)
	}
}

func (e *Engine) getRequestsResponse() string {
	e.discoveryMu.Lock()
	entries := e.discovery.list()
	e.discoveryMu.Unlock()

	var b strings.Builder
	for _, req := range entries {
		fmt.Fprintf(&b, "%s:%d %s\n", req.Address.IP.String(), req.Address.Port, req.DeviceName)
	}
	return b.String()
}

func (e *Engine) handleConnect(arg string) string {
	host, portStr, found := strings.Cut(arg, ":")
	if !found {
		return "Fail\n"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "Fail\n"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "Fail\n"
	}
	addr := net.UDPAddr{IP: ip.To4(), Port: port}

	e.socket.SetClient(addr)
	e.state.mu.Lock()
	e.state.client = addr
	e.state.connected = true
	e.state.mu.Unlock()
	e.updateLastSeen()

	e.discoveryMu.Lock()
	e.discovery.remove(addr)
	e.discoveryMu.Unlock()

	buf := make([]byte, 4)
	n, _ := wire.EncodeConnectionAck(buf)
	if err := e.socket.Send(buf[:n]); err != nil {
		e.logger.Debug("connection ack send failed", "error", err)
	}
	e.logger.Info("client connected", "addr", addr.String(), "conn_id", uuid.New().String())
	return "Success\n"
}

// DumpConfig returns the three-line status dump described in spec.md §6.
func (e *Engine) DumpConfig() string {
	client, connected, streaming := e.state.snapshot()
	host, port := "0.0.0.0", 0
	if connected {
		host, port = client.IP.String(), client.Port
	}
	return fmt.Sprintf("Connected %d\nClient %s:%d\nStreaming %d\n",
		boolToInt(connected), host, port, boolToInt(streaming))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetClock overrides the engine's time source; used by tests to drive the
// idle-timeout and time-sync scenarios deterministically.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }
