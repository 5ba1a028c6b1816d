package ingest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vitals.report/internal/monitoring"
)

// PacketStats counts what the ingestion path has seen. Counters are
// cumulative; LogStats reports the rate since its previous call.
type PacketStats struct {
	received      atomic.Int64
	bytes         atomic.Int64
	decodeErrors  atomic.Int64
	unrecognized  atomic.Int64
	fullReadings  atomic.Int64
	samples       atomic.Int64
	heartbeats    atomic.Int64
	duplicates    atomic.Int64
	persistErrors atomic.Int64
	dropped       atomic.Int64

	mu        sync.Mutex
	lastLog   StatsSnapshot
	lastReset time.Time
	started   time.Time
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Received      int64   `json:"received"`
	Bytes         int64   `json:"bytes"`
	DecodeErrors  int64   `json:"decodeErrors"`
	Unrecognized  int64   `json:"unrecognized"`
	FullReadings  int64   `json:"fullReadings"`
	Samples       int64   `json:"samples"`
	Heartbeats    int64   `json:"heartbeats"`
	Duplicates    int64   `json:"duplicates"`
	PersistErrors int64   `json:"persistErrors"`
	Dropped       int64   `json:"dropped"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	now := time.Now()
	return &PacketStats{lastReset: now, started: now}
}

func (ps *PacketStats) AddPacket(bytes int) {
	ps.received.Add(1)
	ps.bytes.Add(int64(bytes))
}

func (ps *PacketStats) AddDecodeError()  { ps.decodeErrors.Add(1) }
func (ps *PacketStats) AddUnrecognized() { ps.unrecognized.Add(1) }
func (ps *PacketStats) AddFullReading()  { ps.fullReadings.Add(1) }
func (ps *PacketStats) AddSample()       { ps.samples.Add(1) }
func (ps *PacketStats) AddHeartbeat()    { ps.heartbeats.Add(1) }
func (ps *PacketStats) AddDuplicate()    { ps.duplicates.Add(1) }
func (ps *PacketStats) AddPersistError() { ps.persistErrors.Add(1) }
func (ps *PacketStats) AddDropped()      { ps.dropped.Add(1) }

// Snapshot returns the cumulative counters.
func (ps *PacketStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:      ps.received.Load(),
		Bytes:         ps.bytes.Load(),
		DecodeErrors:  ps.decodeErrors.Load(),
		Unrecognized:  ps.unrecognized.Load(),
		FullReadings:  ps.fullReadings.Load(),
		Samples:       ps.samples.Load(),
		Heartbeats:    ps.heartbeats.Load(),
		Duplicates:    ps.duplicates.Load(),
		PersistErrors: ps.persistErrors.Load(),
		Dropped:       ps.dropped.Load(),
		UptimeSeconds: time.Since(ps.started).Seconds(),
	}
}

// LogStats logs packet rates since the previous call. Nothing is logged
// for an idle interval.
func (ps *PacketStats) LogStats() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	cur := ps.Snapshot()
	prev := ps.lastLog
	duration := now.Sub(ps.lastReset)
	ps.lastLog = cur
	ps.lastReset = now

	packets := cur.Received - prev.Received
	if packets == 0 || duration <= 0 {
		return
	}
	secs := duration.Seconds()
	msg := fmt.Sprintf("[ingest] stats (/sec): %.1f packets, %.2f KB, %.1f ecg, %.2f data",
		float64(packets)/secs,
		float64(cur.Bytes-prev.Bytes)/secs/1024,
		float64(cur.Samples-prev.Samples)/secs,
		float64(cur.FullReadings-prev.FullReadings)/secs)

	if n := cur.DecodeErrors - prev.DecodeErrors; n > 0 {
		msg += fmt.Sprintf(", %d rejected", n)
	}
	if n := cur.Duplicates - prev.Duplicates; n > 0 {
		msg += fmt.Sprintf(", %d duplicate", n)
	}
	if n := cur.PersistErrors - prev.PersistErrors; n > 0 {
		msg += fmt.Sprintf(", %d persist errors", n)
	}
	if n := cur.Dropped - prev.Dropped; n > 0 {
		msg += fmt.Sprintf(", \033[93m%d dropped on log queue\033[0m", n)
	}
	monitoring.Logf("%s", msg)
}
