package event

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope versions. Decoders must understand every version >= MinVersion.
const (
	MinVersion     byte = 1
	CurrentVersion byte = 1
)

// headerSize is the 1-byte version plus the 4-byte big-endian body length.
const headerSize = 5

// ErrTruncated is returned when a record is shorter than its framing claims.
var ErrTruncated = errors.New("truncated event record")

// Encode frames ev as a versioned, length-prefixed record.
func Encode(ev *Event) ([]byte, error) {
	for i, op := range ev.Operations {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	out := make([]byte, headerSize+len(body))
	out[0] = CurrentVersion
	binary.BigEndian.PutUint32(out[1:headerSize], uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// Decode parses a framed record produced by any supported envelope version.
func Decode(raw []byte) (*Event, error) {
	if len(raw) < headerSize {
		return nil, ErrTruncated
	}
	version := raw[0]
	if version < MinVersion || version > CurrentVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", version)
	}
	bodyLen := binary.BigEndian.Uint32(raw[1:headerSize])
	if len(raw) < headerSize+int(bodyLen) {
		return nil, ErrTruncated
	}
	var ev Event
	if err := json.Unmarshal(raw[headerSize:headerSize+int(bodyLen)], &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event body: %w", err)
	}
	for i, op := range ev.Operations {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return &ev, nil
}
