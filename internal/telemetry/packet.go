// Package telemetry decodes the datagrams sent by the wearable device into
// typed packets and defines the enriched forms that are retained and logged.
package telemetry

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which payload a packet carries. The values match the
// packetType tag sent by the device firmware.
type Kind string

const (
	// KindFullReading is the periodic packet with temperatures, heart rate
	// and the instantaneous ECG value.
	KindFullReading Kind = "data"
	// KindHighFrequency is a single ECG waveform point sent at ~20 Hz.
	KindHighFrequency Kind = "ecg"
	// KindHeartbeat is a keepalive carrying the device uptime.
	KindHeartbeat Kind = "heartbeat"
	// KindUnrecognized marks a well-formed packet with an unknown tag.
	KindUnrecognized Kind = "unrecognized"
)

// Packet is a decoded datagram. Exactly one of Full, Sample or Heartbeat is
// set, according to Kind. Unrecognized packets carry only the common fields.
type Packet struct {
	DeviceID string
	Sequence int64
	Kind     Kind

	// HasSequence is false when packetNumber was absent and Sequence is 0.
	HasSequence bool

	// Tag is the packetType value as sent, kept for diagnostics when Kind is
	// KindUnrecognized.
	Tag string

	Full      *FullReading
	Sample    *Sample
	Heartbeat *Heartbeat
}

// FullReading is the payload of a "data" packet. Every sensor field is
// optional; nil means the device omitted it or sent null.
type FullReading struct {
	Temperatures Temperatures
	HeartRate    HeartRate
	ECG          ECGReading

	// Fields holds every top-level field of the original object so the
	// reading can be logged and displayed exactly as it was sent.
	Fields map[string]json.RawMessage
}

// Temperatures holds up to three probe readings in degrees Celsius.
type Temperatures struct {
	T0 *float64 `json:"t0"`
	T1 *float64 `json:"t1"`
	T2 *float64 `json:"t2"`
}

// HeartRate is the device's BPM summary.
type HeartRate struct {
	Current *float64 `json:"currentBPM"`
	Average *float64 `json:"avgBPM"`
}

// ECGReading is the instantaneous ECG value attached to a full reading.
type ECGReading struct {
	Value   *float64 `json:"value"`
	Contact *bool    `json:"contact"`
}

// Sample is the payload of an "ecg" packet.
type Sample struct {
	// Timestamp is the device clock in milliseconds, not server time.
	Timestamp int64
	// Value is the raw ADC reading (0-4095 on the reference board).
	Value   int64
	Contact bool
}

// Heartbeat is the payload of a "heartbeat" packet.
type Heartbeat struct {
	UptimeMillis int64
}

// UptimeSeconds returns the uptime truncated to whole seconds.
func (h Heartbeat) UptimeSeconds() int64 {
	return h.UptimeMillis / 1000
}

func (p Packet) String() string {
	switch p.Kind {
	case KindFullReading:
		return fmt.Sprintf("data device=%s seq=%d T0=%s BPM=%s ECG=%s",
			p.DeviceID, p.Sequence,
			formatOptional(p.Full.Temperatures.T0),
			formatOptional(p.Full.HeartRate.Current),
			formatOptional(p.Full.ECG.Value))
	case KindHighFrequency:
		return fmt.Sprintf("ecg device=%s seq=%d ts=%d value=%d contact=%t",
			p.DeviceID, p.Sequence, p.Sample.Timestamp, p.Sample.Value, p.Sample.Contact)
	case KindHeartbeat:
		return fmt.Sprintf("heartbeat device=%s seq=%d uptime=%ds",
			p.DeviceID, p.Sequence, p.Heartbeat.UptimeSeconds())
	default:
		return fmt.Sprintf("unrecognized device=%s seq=%d type=%q", p.DeviceID, p.Sequence, p.Tag)
	}
}

func formatOptional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}
