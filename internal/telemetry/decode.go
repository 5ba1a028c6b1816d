package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrMalformed means the payload is not a JSON or CBOR object.
	ErrMalformed = errors.New("malformed payload")
	// ErrMissingField means a field required by the declared kind is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidField means a field is present but has the wrong type.
	ErrInvalidField = errors.New("invalid field")
)

// DecodeError describes why a payload was rejected. Use errors.Is with
// ErrMalformed, ErrMissingField or ErrInvalidField to classify it.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// cborMode decodes nested maps with string keys so the result can be
// re-encoded as JSON.
var cborMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Decode parses a raw datagram payload. JSON objects are the normal wire
// format; a payload whose first byte is a CBOR map header is accepted too
// and normalised to JSON. Decode never panics and always returns either a
// packet or a *DecodeError. A well-formed packet with an unknown packetType
// is returned with Kind set to KindUnrecognized and a nil error.
func Decode(payload []byte) (Packet, error) {
	body := bytes.TrimSpace(payload)
	if len(body) == 0 {
		return Packet{}, &DecodeError{Err: fmt.Errorf("%w: empty payload", ErrMalformed)}
	}

	if body[0] != '{' && isCBORMap(body[0]) {
		converted, err := cborToJSON(body)
		if err != nil {
			return Packet{}, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		}
		body = converted
	}
	if !utf8.Valid(body) {
		return Packet{}, &DecodeError{Err: fmt.Errorf("%w: invalid UTF-8", ErrMalformed)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Packet{}, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if fields == nil {
		return Packet{}, &DecodeError{Err: fmt.Errorf("%w: not an object", ErrMalformed)}
	}

	return decodeFields(fields)
}

func decodeFields(fields map[string]json.RawMessage) (Packet, error) {
	var p Packet

	deviceID, ok, err := field[string](fields, "deviceId")
	if err != nil {
		return p, err
	}
	if !ok || deviceID == "" {
		return p, &DecodeError{Field: "deviceId", Err: ErrMissingField}
	}
	p.DeviceID = deviceID

	tag, ok, err := field[string](fields, "packetType")
	if err != nil {
		return p, err
	}
	if !ok {
		return p, &DecodeError{Field: "packetType", Err: ErrMissingField}
	}
	p.Tag = tag

	// packetNumber is optional on the wire; older firmware omits it.
	if seq, ok, err := field[int64](fields, "packetNumber"); err != nil {
		return p, err
	} else if ok {
		p.Sequence = seq
		p.HasSequence = true
	}

	switch Kind(tag) {
	case KindFullReading:
		full, err := decodeFullReading(fields)
		if err != nil {
			return p, err
		}
		p.Kind = KindFullReading
		p.Full = full
	case KindHighFrequency:
		sample, err := decodeSample(fields)
		if err != nil {
			return p, err
		}
		p.Kind = KindHighFrequency
		p.Sample = sample
	case KindHeartbeat:
		uptime, ok, err := field[int64](fields, "uptime")
		if err != nil {
			return p, err
		}
		if !ok {
			return p, &DecodeError{Field: "uptime", Err: ErrMissingField}
		}
		p.Kind = KindHeartbeat
		p.Heartbeat = &Heartbeat{UptimeMillis: uptime}
	default:
		p.Kind = KindUnrecognized
	}
	return p, nil
}

func decodeFullReading(fields map[string]json.RawMessage) (*FullReading, error) {
	full := &FullReading{Fields: fields}

	if v, ok, err := field[Temperatures](fields, "temperatures"); err != nil {
		return nil, err
	} else if ok {
		full.Temperatures = v
	}
	if v, ok, err := field[HeartRate](fields, "heartRate"); err != nil {
		return nil, err
	} else if ok {
		full.HeartRate = v
	}
	if v, ok, err := field[ECGReading](fields, "ecg"); err != nil {
		return nil, err
	} else if ok {
		full.ECG = v
	}
	return full, nil
}

func decodeSample(fields map[string]json.RawMessage) (*Sample, error) {
	ts, ok, err := field[int64](fields, "timestamp")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &DecodeError{Field: "timestamp", Err: ErrMissingField}
	}
	value, ok, err := field[int64](fields, "ecgValue")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &DecodeError{Field: "ecgValue", Err: ErrMissingField}
	}
	contact, _, err := field[bool](fields, "ecgContact")
	if err != nil {
		return nil, err
	}
	return &Sample{Timestamp: ts, Value: value, Contact: contact}, nil
}

// field decodes fields[name] into T. ok is false when the field is absent
// or null.
func field[T any](fields map[string]json.RawMessage, name string) (v T, ok bool, err error) {
	raw, present := fields[name]
	if !present || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, &DecodeError{Field: name, Err: fmt.Errorf("%w: %v", ErrInvalidField, err)}
	}
	return v, true, nil
}

// isCBORMap reports whether b is the initial byte of a CBOR map (major type 5).
func isCBORMap(b byte) bool {
	return b>>5 == 5
}

func cborToJSON(body []byte) ([]byte, error) {
	var obj map[string]any
	if err := cborMode.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("cbor: %w", err)
	}
	return json.Marshal(obj)
}
