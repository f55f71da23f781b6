// internal/data/parser.go
package data

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"iiot-gateway/internal/apperr"
)

// ContentTypeMsgpack marks a MessagePack encoded payload. Anything else is
// treated as JSON.
const ContentTypeMsgpack = "application/msgpack"

// RawReading is an inbound reading before validation. Temperature and pressure
// may arrive as numbers or numeric strings; Timestamp as an ISO-8601 string,
// epoch milliseconds or a time.Time.
type RawReading struct {
	MachineID   string `json:"machineId" msgpack:"machineId"`
	Temperature any    `json:"temperature" msgpack:"temperature"`
	Pressure    any    `json:"pressure" msgpack:"pressure"`
	Status      string `json:"status" msgpack:"status"`
	Timestamp   any    `json:"timestamp" msgpack:"timestamp"`

	Source     string `json:"-" msgpack:"-"`
	EndpointID string `json:"-" msgpack:"-"`
}

// DecodeRaw unmarshals a bus or HTTP payload into a RawReading.
func DecodeRaw(payload []byte, contentType string) (RawReading, error) {
	var raw RawReading
	if len(bytes.TrimSpace(payload)) == 0 {
		return raw, apperr.InvalidEvent("data.DecodeRaw", "empty payload")
	}

	if strings.EqualFold(strings.TrimSpace(contentType), ContentTypeMsgpack) {
		if err := msgpack.Unmarshal(payload, &raw); err != nil {
			return raw, apperr.InvalidEvent("data.DecodeRaw", "decode msgpack: %v", err)
		}
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return raw, apperr.InvalidEvent("data.DecodeRaw", "decode json: %v", err)
	}
	return raw, nil
}

// Normalize validates a raw reading and converts it into a Reading with the
// measured values as sent. Use Rounded for the stored form. The returned
// Reading has no ID or IngestedAt yet.
func Normalize(raw RawReading) (Reading, error) {
	const op = "data.Normalize"

	id := strings.TrimSpace(raw.MachineID)
	if id == "" {
		return Reading{}, apperr.InvalidEvent(op, "missing machineId")
	}
	temp, err := toFloat(raw.Temperature)
	if err != nil {
		return Reading{}, apperr.InvalidEvent(op, "machine %s: temperature: %v", id, err)
	}
	pressure, err := toFloat(raw.Pressure)
	if err != nil {
		return Reading{}, apperr.InvalidEvent(op, "machine %s: pressure: %v", id, err)
	}
	status, err := ParseMachineStatus(raw.Status)
	if err != nil {
		return Reading{}, apperr.InvalidEvent(op, "machine %s: %v", id, err)
	}
	ts, err := toTime(raw.Timestamp)
	if err != nil {
		return Reading{}, apperr.InvalidEvent(op, "machine %s: timestamp: %v", id, err)
	}

	return Reading{
		MachineID:   id,
		Temperature: temp,
		Pressure:    pressure,
		Status:      status,
		Timestamp:   ts,
		Source:      raw.Source,
	}, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, fmt.Errorf("missing")
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return f, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("missing")
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("zero time")
		}
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable %q", t)
	default:
		// numeric timestamps are epoch milliseconds
		ms, err := toFloat(v)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
}
