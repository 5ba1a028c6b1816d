package ingest

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vitals.report/internal/telemetry"
)

type recordingHandler struct {
	mu       sync.Mutex
	payloads []string
	origins  []telemetry.Origin
}

func (r *recordingHandler) HandleDatagram(payload []byte, origin telemetry.Origin) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
	r.origins = append(r.origins, origin)
	return OutcomeHeartbeat
}

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func runListener(t *testing.T, l *UDPListener) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func TestUDPListener_ProcessesPacketsInOrder(t *testing.T) {
	captureLogs(t)
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.40"), Port: 50123}
	sock := NewMockUDPSocket([]MockUDPPacket{
		{Data: []byte("one"), Addr: from},
		{Data: []byte("two"), Addr: from},
		{Data: []byte("three"), Addr: from},
	})
	factory := &MockUDPSocketFactory{Socket: sock}
	h := &recordingHandler{}

	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:8888",
		RcvBuf:        1 << 20,
		Handler:       h,
		SocketFactory: factory,
	})
	cancel, errc := runListener(t, l)

	require.Eventually(t, func() bool { return h.count() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, []string{"one", "two", "three"}, h.payloads)
	assert.Equal(t, telemetry.Origin{Address: "192.168.1.40", Port: 50123}, h.origins[0])
	assert.True(t, sock.IsClosed(), "socket must be released on shutdown")
	assert.Equal(t, 1<<20, sock.ReadBufferSize())

	addrs := factory.ListenAddrs()
	require.Len(t, addrs, 1)
	assert.Equal(t, 8888, addrs[0].Port)
}

func TestUDPListener_BindFailure(t *testing.T) {
	captureLogs(t)
	factory := &MockUDPSocketFactory{Error: errors.New("address already in use")}
	l := NewUDPListener(UDPListenerConfig{Handler: &recordingHandler{}, SocketFactory: factory})

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
}

func TestUDPListener_BadAddress(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: "not-an-address:xyz", Handler: &recordingHandler{}})
	assert.Error(t, l.Start(context.Background()))
}

func TestUDPListener_SocketErrorIsFatal(t *testing.T) {
	captureLogs(t)
	boom := errors.New("connection refused")
	sock := NewMockUDPSocket([]MockUDPPacket{{Data: []byte("x"), Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}}})
	sock.ReadError = boom
	h := &recordingHandler{}
	l := NewUDPListener(UDPListenerConfig{Handler: h, SocketFactory: &MockUDPSocketFactory{Socket: sock}})

	_, errc := runListener(t, l)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop on socket error")
	}
	assert.Equal(t, 1, h.count())
	assert.True(t, sock.IsClosed())
}

func TestUDPListener_CloseStopsStart(t *testing.T) {
	captureLogs(t)
	sock := NewMockUDPSocket(nil)
	l := NewUDPListener(UDPListenerConfig{Handler: &recordingHandler{}, SocketFactory: &MockUDPSocketFactory{Socket: sock}})

	_, errc := runListener(t, l)
	<-l.Ready()
	assert.NotNil(t, l.LocalAddr())
	require.NoError(t, l.Close())

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after Close")
	}
}

func TestUDPListener_RealSocket(t *testing.T) {
	captureLogs(t)
	h := newHarness(t)
	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Handler: h.handler})
	cancel, errc := runListener(t, l)

	select {
	case <-l.Ready():
	case err := <-errc:
		t.Fatalf("listener failed: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"deviceId":"esp32-1","packetType":"data","packetNumber":1,"temperatures":{"t0":36.5}}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.store.Latest()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	status, ok := h.registry.Get("esp32-1")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", status.RemoteAddress)
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, status.RemotePort)
	assert.Equal(t, int64(1), h.handler.Stats().Snapshot().DecodeErrors)

	cancel()
	require.NoError(t, <-errc)
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, telemetry.Origin{}, originOf(nil))
	assert.Equal(t, telemetry.Origin{Address: "10.0.0.2", Port: 9}, originOf(&net.UDPAddr{IP: net.ParseIP("::ffff:10.0.0.2"), Port: 9}))
	assert.Equal(t, telemetry.Origin{Address: "fe80::1", Port: 9}, originOf(&net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 9}))
}
