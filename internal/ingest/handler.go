// Package ingest turns received datagrams into registry, retention and log
// updates, and owns the UDP listener that feeds them.
package ingest

import (
	"errors"

	"github.com/google/uuid"

	"github.com/banshee-data/vitals.report/internal/datalog"
	"github.com/banshee-data/vitals.report/internal/monitoring"
	"github.com/banshee-data/vitals.report/internal/registry"
	"github.com/banshee-data/vitals.report/internal/retention"
	"github.com/banshee-data/vitals.report/internal/telemetry"
	"github.com/banshee-data/vitals.report/internal/timeutil"
)

// maxLoggedPayload bounds how much of a rejected payload is written to the log.
const maxLoggedPayload = 256

// Sink receives every accepted full reading after it has been retained.
// The daily log writer and the database mirror are sinks.
type Sink interface {
	Append(r telemetry.EnrichedReading) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(r telemetry.EnrichedReading) error

// Append calls f(r).
func (f SinkFunc) Append(r telemetry.EnrichedReading) error { return f(r) }

// Outcome reports what HandleDatagram did with a payload.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeFullReading
	OutcomeSample
	OutcomeHeartbeat
	OutcomeUnrecognized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeFullReading:
		return "data"
	case OutcomeSample:
		return "ecg"
	case OutcomeHeartbeat:
		return "heartbeat"
	case OutcomeUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// HandlerConfig wires a Handler to the state it updates.
type HandlerConfig struct {
	Registry *registry.Registry
	Store    *retention.Store
	Sinks    []Sink
	Stats    *PacketStats
	Clock    timeutil.Clock
	// NewID returns the ingest id stamped on each full reading. Defaults to
	// a random UUID.
	NewID func() string
	// LogPackets logs every accepted packet, not just heartbeats.
	LogPackets bool
}

// Handler processes one datagram at a time. It is shared by every transport
// (UDP, serial, pcap replay) so they all apply the same rules.
type Handler struct {
	registry   *registry.Registry
	store      *retention.Store
	sinks      []Sink
	stats      *PacketStats
	clock      timeutil.Clock
	newID      func() string
	logPackets bool
}

// NewHandler creates a Handler. Registry and Store are required.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		registry:   cfg.Registry,
		store:      cfg.Store,
		sinks:      cfg.Sinks,
		stats:      cfg.Stats,
		clock:      cfg.Clock,
		newID:      cfg.NewID,
		logPackets: cfg.LogPackets,
	}
	if h.stats == nil {
		h.stats = NewPacketStats()
	}
	if h.clock == nil {
		h.clock = timeutil.RealClock{}
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	return h
}

// Stats returns the counters updated by this handler.
func (h *Handler) Stats() *PacketStats { return h.stats }

// HandleDatagram decodes payload and applies it. It never fails: rejected
// payloads are logged and counted, and sink errors are logged and counted
// without affecting in-memory state.
func (h *Handler) HandleDatagram(payload []byte, origin telemetry.Origin) Outcome {
	h.stats.AddPacket(len(payload))
	now := h.clock.Now()

	p, err := telemetry.Decode(payload)
	if err != nil {
		h.stats.AddDecodeError()
		monitoring.Logf("[ingest] discarding payload from %s:%d: %v: %q",
			origin.Address, origin.Port, err, truncate(payload, maxLoggedPayload))
		return OutcomeRejected
	}

	prev, existed := h.registry.RecordSeen(p.DeviceID, origin.Address, origin.Port, p.Sequence, now)
	if existed && p.HasSequence && prev.PacketNumber == p.Sequence {
		h.stats.AddDuplicate()
	}
	if h.logPackets {
		monitoring.Logf("[ingest] %s from %s:%d", p, origin.Address, origin.Port)
	}

	switch p.Kind {
	case telemetry.KindFullReading:
		h.stats.AddFullReading()
		r, err := telemetry.Enrich(p, now, origin, h.newID())
		if err != nil {
			// Decode guarantees a payload for this kind.
			monitoring.Logf("[ingest] %v", err)
			return OutcomeRejected
		}
		h.store.RecordFullReading(r)
		for _, s := range h.sinks {
			if err := s.Append(r); err != nil {
				if errors.Is(err, datalog.ErrQueueFull) {
					h.stats.AddDropped()
					continue
				}
				h.stats.AddPersistError()
				monitoring.Logf("[ingest] persist reading %s from %s: %v", r.IngestID, r.DeviceID, err)
			}
		}
		return OutcomeFullReading

	case telemetry.KindHighFrequency:
		h.stats.AddSample()
		if proj, ok := telemetry.Project(p); ok {
			h.store.RecordHighFrequencySample(proj)
		}
		return OutcomeSample

	case telemetry.KindHeartbeat:
		h.stats.AddHeartbeat()
		monitoring.Logf("[ingest] heartbeat from %s (%s:%d): uptime %ds",
			p.DeviceID, origin.Address, origin.Port, p.Heartbeat.UptimeSeconds())
		return OutcomeHeartbeat

	default:
		h.stats.AddUnrecognized()
		monitoring.Logf("[ingest] ignoring packetType %q from %s", p.Tag, p.DeviceID)
		return OutcomeUnrecognized
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
