// internal/data/parser.go
package data

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrMissingSensor = errors.New("sensor_type_id is required")
	ErrMissingValue  = errors.New("value is required")
	ErrBadTimestamp  = errors.New("timestamp is not a recognised format")
)

// ReadingRequest is the body a device sends to report one value.
type ReadingRequest struct {
	SensorID  int64
	Value     float64
	Timestamp *time.Time
	// Token is only read from MQTT payloads, where there is no header channel.
	Token string
}

type rawReadingRequest struct {
	SensorTypeID *int64          `json:"sensor_type_id"`
	Value        *float64        `json:"value"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Token        string          `json:"token"`
}

// Accepted instants span years 0001 through 9999 in UTC, the range that
// round-trips through RFC 3339.
const (
	minUnixSeconds = -62135596800 // 0001-01-01T00:00:00Z
	maxUnixSeconds = 253402300799 // 9999-12-31T23:59:59Z
)

// Layouts tried in order for string timestamps. Zone-less layouts are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseReading unmarshals a device payload into a ReadingRequest.
func ParseReading(body []byte) (*ReadingRequest, error) {
	var raw rawReadingRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode reading: %w", err)
	}
	if raw.SensorTypeID == nil {
		return nil, ErrMissingSensor
	}
	if raw.Value == nil {
		return nil, ErrMissingValue
	}

	req := &ReadingRequest{
		SensorID: *raw.SensorTypeID,
		Value:    *raw.Value,
		Token:    raw.Token,
	}

	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, err
	}
	req.Timestamp = ts
	return req, nil
}

// ParseTimestamp accepts a JSON string in one of the known layouts or a JSON
// number of Unix seconds. Absent or null yields nil.
func ParseTimestamp(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, ErrBadTimestamp
		}
		t, err := ParseTimeString(s)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}

	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return nil, ErrBadTimestamp
	}
	if math.IsNaN(secs) || secs < minUnixSeconds || secs >= maxUnixSeconds+1 {
		return nil, fmt.Errorf("%w: %v seconds is out of range", ErrBadTimestamp, secs)
	}
	whole, frac := math.Modf(secs)
	t := time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return &t, nil
}

// ParseTimeString parses s using the accepted timestamp layouts.
func ParseTimeString(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if y := t.UTC().Year(); y < 1 || y > 9999 {
			return time.Time{}, fmt.Errorf("%w: %q is out of range", ErrBadTimestamp, s)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}
