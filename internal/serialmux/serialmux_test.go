package serialmux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localHostRequest creates a request that appears to come from localhost,
// which tsweb.AllowDebugAccess requires.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func startMonitor(t *testing.T, m *SerialMux[*TestableSerialPort]) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- m.Monitor(ctx) }()
	return errc
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		require.True(t, ok, "channel closed")
		return line
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestSerialMux_FansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)

	id1, ch1 := m.Subscribe()
	_, ch2 := m.Subscribe()
	startMonitor(t, m)

	port.AddLine(`{"deviceId":"esp32-1","packetType":"heartbeat","uptime":1000}`)
	port.AddLine("WiFi connected")

	assert.Equal(t, `{"deviceId":"esp32-1","packetType":"heartbeat","uptime":1000}`, receive(t, ch1))
	assert.Equal(t, "WiFi connected", receive(t, ch1))
	assert.Equal(t, `{"deviceId":"esp32-1","packetType":"heartbeat","uptime":1000}`, receive(t, ch2))

	m.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel must be closed")
	m.Unsubscribe(id1) // second call is a no-op
}

func TestSerialMux_CloseStopsMonitor(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)
	id, ch := m.Subscribe()
	errc := startMonitor(t, m)

	require.NoError(t, m.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	_, ok := <-ch
	assert.False(t, ok)
	m.Unsubscribe(id)
}

func TestSerialMux_MonitorCancel(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Monitor(ctx) }()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	m.Close()
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)

	require.NoError(t, m.SendCommand("status"))
	require.NoError(t, m.SendCommand("reset\n"))
	assert.Equal(t, "status\nreset\n", port.Written())

	boom := errors.New("device unplugged")
	port.WriteError = boom
	assert.ErrorIs(t, m.SendCommand("x"), boom)

	port.ShortWrite = true
	assert.ErrorIs(t, m.SendCommand("x"), ErrWriteFailed)
}

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
		body   string
	}{
		{"valid command", http.MethodPost, url.Values{"command": {"interval 500"}}, http.StatusOK, `"interval 500"`},
		{"empty command", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest, "Missing command"},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localHostRequest(tt.method, "/debug/send-command-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
	assert.Equal(t, "interval 500\n", port.Written())
}

func TestAttachAdminRoutes_ConsolePage(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/send-command", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `new EventSource("tail")`)
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)
	startMonitor(t, m)

	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/tail")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	ping, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", ping)

	port.AddLine("ecg 2048")

	var got string
	for !strings.HasPrefix(got, "data:") {
		got, err = r.ReadString('\n')
		require.NoError(t, err)
	}
	assert.Equal(t, "data: ecg 2048\n", got)
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	var _ SerialMuxInterface = d

	_, ch := d.Subscribe()
	assert.ErrorIs(t, d.SendCommand("x"), ErrDisabled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	require.NoError(t, d.Close())
	_, ok := <-ch
	assert.False(t, ok)

	_, late := d.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after Close returns a closed channel")
	require.NoError(t, d.Close())

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)
	rec := httptest.NewRecorder()
	req := localHostRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader("command=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
