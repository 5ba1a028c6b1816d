package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/telemetry"
)

// DefaultAddress is the UDP address the device firmware sends to.
const DefaultAddress = ":8888"

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// DatagramHandler receives every payload read by the listener.
type DatagramHandler interface {
	HandleDatagram(payload []byte, origin telemetry.Origin) Outcome
}

// StatsLogger reports ingestion statistics periodically.
type StatsLogger interface {
	LogStats()
}

type noopStats struct{}

func (noopStats) LogStats() {}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address       string
	RcvBuf        int
	LogInterval   time.Duration
	Handler       DatagramHandler
	Stats         StatsLogger
	SocketFactory UDPSocketFactory
}

// UDPListener reads datagrams and hands them to a DatagramHandler one at a
// time, in the order the socket delivers them.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	handler     DatagramHandler
	stats       StatsLogger
	factory     UDPSocketFactory

	mu        sync.Mutex
	conn      UDPSocket
	ready     chan struct{}
	readyOnce sync.Once
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	l := &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: config.LogInterval,
		handler:     config.Handler,
		stats:       config.Stats,
		factory:     config.SocketFactory,
		ready:       make(chan struct{}),
	}
	if l.address == "" {
		l.address = DefaultAddress
	}
	if l.logInterval == 0 {
		l.logInterval = time.Minute
	}
	if l.stats == nil {
		l.stats = noopStats{}
	}
	if l.factory == nil {
		l.factory = RealUDPSocketFactory{}
	}
	return l
}

// Ready is closed once the socket is bound.
func (l *UDPListener) Ready() <-chan struct{} { return l.ready }

// LocalAddr returns the bound address, or nil before Ready.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start binds the socket and processes datagrams until ctx is cancelled or
// Close is called, both of which return nil. A bind failure or a socket
// error other than a read timeout stops the listener and is returned.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %q: %w", l.address, err)
	}

	conn, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address %q: %w", l.address, err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("[ingest] warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.readyOnce.Do(func() { close(l.ready) })

	monitoring.Logf("[ingest] UDP listener started on %s with receive buffer %d bytes", conn.LocalAddr(), l.rcvBuf)

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go l.startStatsLogging(statsCtx)

	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[ingest] UDP listener stopping due to context cancellation")
			return nil
		default:
		}

		// A short deadline lets the loop notice cancellation.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("UDP read on %s: %w", l.address, err)
		}

		l.handler.HandleDatagram(buffer[:n], originOf(from))
	}
}

// startStatsLogging logs once shortly after startup, then on the interval.
func (l *UDPListener) startStatsLogging(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// Close closes the socket, which makes Start return.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func originOf(addr *net.UDPAddr) telemetry.Origin {
	if addr == nil {
		return telemetry.Origin{}
	}
	ip := addr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return telemetry.Origin{Address: ip.String(), Port: addr.Port}
}
