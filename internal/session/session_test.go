package session

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alvr-server/internal/wire"
)

type fakeSocket struct {
	client  net.UDPAddr
	valid   bool
	sent    [][]byte
	sendErr error
}

func (f *fakeSocket) SetClient(addr net.UDPAddr) { f.client = addr; f.valid = true }
func (f *fakeSocket) InvalidateClient()          { f.valid = false }
func (f *fakeSocket) IsClientValid() bool        { return f.valid }
func (f *fakeSocket) IsLegitClient(addr net.UDPAddr) bool {
	return f.valid && f.client.IP.Equal(addr.IP) && f.client.Port == addr.Port
}
func (f *fakeSocket) Send(buf []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, cp)
	return nil
}

type fakePose struct{ calls int }

func (p *fakePose) OnPoseUpdated() { p.calls++ }

type fakeCmdHost struct{ lastName, lastArgs string }

func (f *fakeCmdHost) OnUnknownCommand(name, args string) string {
	f.lastName, f.lastArgs = name, args
	return "Custom\n"
}

func helloDatagram(device string) []byte {
	buf := make([]byte, 4+wire.DeviceNameLen)
	binary.LittleEndian.PutUint32(buf[0:4], wire.TypeHello)
	copy(buf[4:], device)
	return buf
}

func TestGetRequestsScenario(t *testing.T) {
	sock := &fakeSocket{}
	e := New(sock, nil, nil, nil)

	addr := net.UDPAddr{IP: net.ParseIP("192.0.2.5").To4(), Port: 40000}
	e.HandleDatagram(addr, helloDatagram("Test Device 1"))

	assert.Equal(t, "192.0.2.5:40000 Test_Device_1\n", e.HandleControlLine("GetRequests"))
}

func TestConnectScenario(t *testing.T) {
	sock := &fakeSocket{}
	e := New(sock, nil, nil, nil)

	resp := e.HandleControlLine("Connect 192.0.2.5:40000")
	assert.Equal(t, "Success\n", resp)
	require.Len(t, sock.sent, 1)
	assert.Equal(t, []byte{0x06, 0x00, 0x00, 0x00}, sock.sent[0])

	status := e.DumpConfig()
	assert.Equal(t, "Connected 1\nClient 192.0.2.5:40000\nStreaming 0\n", status)
}

func TestConnectMalformedFails(t *testing.T) {
	e := New(&fakeSocket{}, nil, nil, nil)
	assert.Equal(t, "Fail\n", e.HandleControlLine("Connect not-an-address"))
	assert.Equal(t, "Fail\n", e.HandleControlLine("Connect 1.2.3.4"))
}

func TestDiscoveryTableBounded(t *testing.T) {
	sock := &fakeSocket{}
	e := New(sock, nil, nil, nil)

	for i := 0; i < 15; i++ {
		addr := net.UDPAddr{IP: net.IPv4(127, 0, 0, byte(i+1)), Port: 9000 + i}
		e.HandleDatagram(addr, helloDatagram("dev"))
	}

	e.discoveryMu.Lock()
	entries := e.discovery.list()
	e.discoveryMu.Unlock()

	require.Len(t, entries, maxDiscoveryEntries)
	// Head-eviction: the oldest five (indices 0..4) were dropped, so the
	// table starts at the 6th inserted address (127.0.0.6).
	assert.Equal(t, "127.0.0.6", entries[0].Address.IP.String())
	assert.Equal(t, "127.0.0.15", entries[len(entries)-1].Address.IP.String())
}

func TestDiscoveryTableAddressUniqueness(t *testing.T) {
	sock := &fakeSocket{}
	e := New(sock, nil, nil, nil)
	addr := net.UDPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 5000}

	e.HandleDatagram(addr, helloDatagram("first"))
	e.HandleDatagram(addr, helloDatagram("second"))

	e.discoveryMu.Lock()
	entries := e.discovery.list()
	e.discoveryMu.Unlock()

	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].DeviceName)
}

func TestTrackingRequiresAuthorizedClient(t *testing.T) {
	sock := &fakeSocket{}
	pose := &fakePose{}
	e := New(sock, nil, pose, nil)

	connected := net.UDPAddr{IP: net.ParseIP("192.0.2.5").To4(), Port: 40000}
	e.HandleControlLine("Connect 192.0.2.5:40000")

	attacker := net.UDPAddr{IP: net.ParseIP("198.51.100.9").To4(), Port: 1}
	tracking := make([]byte, 4+8+4*4+128)
	binary.LittleEndian.PutUint32(tracking[0:4], wire.TypeTracking)
	e.HandleDatagram(attacker, tracking)

	_, ok := e.GetTrackingSnapshot()
	assert.False(t, ok)
	assert.Equal(t, 0, pose.calls)

	e.HandleDatagram(connected, tracking)
	_, ok = e.GetTrackingSnapshot()
	assert.True(t, ok)
	assert.Equal(t, 1, pose.calls)
}

func TestTimeSyncRoundTrip(t *testing.T) {
	sock := &fakeSocket{}
	e := New(sock, nil, nil, nil)
	e.HandleControlLine("Connect 192.0.2.5:40000")
	sock.sent = nil // drop the ConnectionAck

	clientAddr := net.UDPAddr{IP: net.ParseIP("192.0.2.5").To4(), Port: 40000}

	var tUs uint64 = 1_000_000
	e.SetClock(func() time.Time { return time.UnixMicro(int64(tUs)) })

	mode0 := make([]byte, 28)
	binary.LittleEndian.PutUint32(mode0[0:4], wire.TypeTimeSync)
	binary.LittleEndian.PutUint32(mode0[4:8], 0)
	binary.LittleEndian.PutUint32(mode0[8:12], 7)
	binary.LittleEndian.PutUint64(mode0[20:28], 500)
	e.HandleDatagram(clientAddr, mode0)

	require.Len(t, sock.sent, 1)
	reply, err := wire.DecodeTimeSync(sock.sent[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), reply.Mode)
	assert.Equal(t, uint32(7), reply.Sequence)
	assert.Equal(t, uint64(500), reply.ClientTime)
	assert.Equal(t, tUs, reply.ServerTime)

	serverTimeAtEcho := reply.ServerTime
	tUs = 1_000_300 // server clock advances 300us before mode-2 arrives

	mode2 := make([]byte, 28)
	binary.LittleEndian.PutUint32(mode2[0:4], wire.TypeTimeSync)
	binary.LittleEndian.PutUint32(mode2[4:8], 2)
	binary.LittleEndian.PutUint64(mode2[12:20], serverTimeAtEcho)
	binary.LittleEndian.PutUint64(mode2[20:28], 500+100)
	e.HandleDatagram(clientAddr, mode2)

	for tv := uint64(0); tv < 5_000_000; tv += 777_777 {
		got := e.ServerToClientTime(e.ClientToServerTime(tv))
		assert.Equal(t, tv, got)
	}
}

func TestStreamControlGatesSendVideoFrame(t *testing.T) {
	sock := &fakeSocket{}
	e := New(sock, nil, nil, nil)
	e.HandleControlLine("Connect 192.0.2.5:40000")
	sock.sent = nil
	clientAddr := net.UDPAddr{IP: net.ParseIP("192.0.2.5").To4(), Port: 40000}

	e.SendVideoFrame([]byte("frame"), 0, 0)
	assert.Empty(t, sock.sent, "nothing sent before streaming starts")

	start := make([]byte, 8)
	binary.LittleEndian.PutUint32(start[0:4], wire.TypeStreamControl)
	binary.LittleEndian.PutUint32(start[4:8], wire.StreamModeStart)
	e.HandleDatagram(clientAddr, start)

	e.SendVideoFrame(make([]byte, 3000), 1, 1)
	assert.Len(t, sock.sent, 3)

	stop := make([]byte, 8)
	binary.LittleEndian.PutUint32(stop[0:4], wire.TypeStreamControl)
	binary.LittleEndian.PutUint32(stop[4:8], wire.StreamModeStop)
	e.HandleDatagram(clientAddr, stop)

	sock.sent = nil
	e.SendVideoFrame([]byte("frame"), 0, 0)
	assert.Empty(t, sock.sent)
}

func TestIdleTimeoutReturnsToIdle(t *testing.T) {
	sock := &fakeSocket{}
	e := New(sock, nil, nil, nil)
	e.HandleControlLine("Connect 192.0.2.5:40000")

	var tUs uint64 = 1_000_000
	e.SetClock(func() time.Time { return time.UnixMicro(int64(tUs)) })
	e.updateLastSeen()

	tUs += 61_000_000 // 61s with no traffic
	e.CheckTimeout()

	assert.Contains(t, e.DumpConfig(), "Connected 0")
	sock.sent = nil
	e.SendVideoFrame([]byte("x"), 0, 0)
	assert.Empty(t, sock.sent)
}

func TestEnableTestModeSendsChangeSettings(t *testing.T) {
	sock := &fakeSocket{}
	e := New(sock, nil, nil, nil)
	e.HandleControlLine("Connect 192.0.2.5:40000")
	sock.sent = nil

	resp := e.HandleControlLine("EnableTestMode 1")
	assert.Equal(t, "Success\n", resp)
	require.Len(t, sock.sent, 1)
	assert.Equal(t, int32(1), int32(binary.LittleEndian.Uint32(sock.sent[0][4:8])))
}

func TestUnknownCommandForwardedToCallback(t *testing.T) {
	cmd := &fakeCmdHost{}
	e := New(&fakeSocket{}, cmd, nil, nil)
	resp := e.HandleControlLine("StartRecording now")
	assert.Equal(t, "Custom\n", resp)
	assert.Equal(t, "StartRecording", cmd.lastName)
	assert.Equal(t, "now", cmd.lastArgs)
}

func TestSanitizeDeviceName(t *testing.T) {
	var raw [32]byte
	copy(raw[:], "Weird Name!@# ok-ok_2")
	got := sanitizeDeviceName(raw)
	assert.Equal(t, "Weird_Name____ok-ok_2", got)
}
