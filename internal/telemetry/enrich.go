package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// Keys added to a full reading when it is enriched.
const (
	FieldServerTimestamp = "serverTimestamp"
	FieldRemoteInfo      = "remoteInfo"
	FieldIngestID        = "ingestId"
)

// ServerTimestampLayout renders UTC millisecond timestamps with a trailing Z,
// e.g. 2026-10-19T08:15:02.123Z.
const ServerTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Origin is the network source of a datagram.
type Origin struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// EnrichedReading is a full reading stamped with the server receive time and
// the sender's address. Values are immutable once built: the Fields map is
// shared between copies and must not be modified.
type EnrichedReading struct {
	DeviceID        string
	Sequence        int64
	Reading         FullReading
	ServerTimestamp time.Time
	Remote          Origin
	IngestID        string
}

// Enrich builds the retained form of a full-reading packet.
func Enrich(p Packet, received time.Time, origin Origin, ingestID string) (EnrichedReading, error) {
	if p.Kind != KindFullReading || p.Full == nil {
		return EnrichedReading{}, fmt.Errorf("enrich: packet kind %q is not a full reading", p.Kind)
	}
	return EnrichedReading{
		DeviceID:        p.DeviceID,
		Sequence:        p.Sequence,
		Reading:         *p.Full,
		ServerTimestamp: received.UTC(),
		Remote:          origin,
		IngestID:        ingestID,
	}, nil
}

// MarshalJSON emits the original object with the enrichment keys added.
func (e EnrichedReading) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Reading.Fields)+3)
	maps.Copy(out, e.Reading.Fields)

	ts, err := json.Marshal(e.ServerTimestamp.UTC().Format(ServerTimestampLayout))
	if err != nil {
		return nil, err
	}
	remote, err := json.Marshal(e.Remote)
	if err != nil {
		return nil, err
	}
	out[FieldServerTimestamp] = ts
	out[FieldRemoteInfo] = remote
	if e.IngestID != "" {
		id, err := json.Marshal(e.IngestID)
		if err != nil {
			return nil, err
		}
		out[FieldIngestID] = id
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses a previously marshalled reading, such as a line from
// a daily log file.
func (e *EnrichedReading) UnmarshalJSON(data []byte) error {
	p, err := Decode(data)
	if err != nil {
		return err
	}
	if p.Kind != KindFullReading {
		return fmt.Errorf("enriched reading: unexpected packet kind %q", p.Kind)
	}

	fields := maps.Clone(p.Full.Fields)
	var ts string
	if raw, ok := fields[FieldServerTimestamp]; ok {
		if err := json.Unmarshal(raw, &ts); err != nil {
			return fmt.Errorf("enriched reading: %s: %w", FieldServerTimestamp, err)
		}
	} else {
		return errors.New("enriched reading: missing " + FieldServerTimestamp)
	}
	received, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("enriched reading: %s: %w", FieldServerTimestamp, err)
	}

	var remote Origin
	if raw, ok := fields[FieldRemoteInfo]; ok {
		if err := json.Unmarshal(raw, &remote); err != nil {
			return fmt.Errorf("enriched reading: %s: %w", FieldRemoteInfo, err)
		}
	}
	var id string
	if raw, ok := fields[FieldIngestID]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("enriched reading: %s: %w", FieldIngestID, err)
		}
	}
	delete(fields, FieldServerTimestamp)
	delete(fields, FieldRemoteInfo)
	delete(fields, FieldIngestID)

	full := *p.Full
	full.Fields = fields
	*e = EnrichedReading{
		DeviceID:        p.DeviceID,
		Sequence:        p.Sequence,
		Reading:         full,
		ServerTimestamp: received.UTC(),
		Remote:          remote,
		IngestID:        id,
	}
	return nil
}

// SampleProjection is the retained form of a high-frequency sample.
type SampleProjection struct {
	Timestamp int64  `json:"timestamp"`
	Value     int64  `json:"value"`
	Contact   bool   `json:"contact"`
	DeviceID  string `json:"deviceId"`
}

// Project returns the retained form of an "ecg" packet. ok is false for any
// other kind.
func Project(p Packet) (SampleProjection, bool) {
	if p.Kind != KindHighFrequency || p.Sample == nil {
		return SampleProjection{}, false
	}
	return SampleProjection{
		Timestamp: p.Sample.Timestamp,
		Value:     p.Sample.Value,
		Contact:   p.Sample.Contact,
		DeviceID:  p.DeviceID,
	}, true
}
