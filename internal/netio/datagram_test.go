package netio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramSocketSendRecv(t *testing.T) {
	a, err := NewDatagramSocket("127.0.0.1", 0)
	require.NoError(t, err)
	defer a.Shutdown()
	b, err := NewDatagramSocket("127.0.0.1", 0)
	require.NoError(t, err)
	defer b.Shutdown()

	portA, err := a.LocalPort()
	require.NoError(t, err)
	portB, err := b.LocalPort()
	require.NoError(t, err)

	b.SetClient(net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: portA})
	require.NoError(t, b.Send([]byte("hello")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		buf, from, err := a.Recv()
		if err == ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf))
		assert.Equal(t, portB, from.Port)
		return
	}
	t.Fatal("timed out waiting for datagram")
}

func TestDatagramSocketSendWithoutClientErrors(t *testing.T) {
	a, err := NewDatagramSocket("127.0.0.1", 0)
	require.NoError(t, err)
	defer a.Shutdown()

	assert.False(t, a.IsClientValid())
	assert.Error(t, a.Send([]byte("x")))
}

func TestDatagramSocketIsLegitClient(t *testing.T) {
	a, err := NewDatagramSocket("127.0.0.1", 0)
	require.NoError(t, err)
	defer a.Shutdown()

	addr := net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 7000}
	a.SetClient(addr)
	assert.True(t, a.IsLegitClient(addr))
	assert.False(t, a.IsLegitClient(net.UDPAddr{IP: net.ParseIP("203.0.113.6"), Port: 7000}))
	assert.False(t, a.IsLegitClient(net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 7001}))

	a.InvalidateClient()
	assert.False(t, a.IsClientValid())
	assert.False(t, a.IsLegitClient(addr))
}
