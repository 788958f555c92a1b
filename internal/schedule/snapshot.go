package schedule

import (
	"bytes"
	"encoding/json"

	"github.com/seaborne/multisense/internal/sensor"
)

// Snapshot is an ordered set of channel readings. The scheduler keeps
// the last successfully published snapshot for change detection; it is
// never reported externally.
type Snapshot struct {
	readings []sensor.Reading
}

// NewSnapshot captures a polled reading sequence. Order is preserved:
// the payload key order matches the channel table.
func NewSnapshot(readings []sensor.Reading) Snapshot {
	return Snapshot{readings: readings}
}

// Empty reports whether the snapshot holds no readings (nothing has
// been published yet).
func (s Snapshot) Empty() bool {
	return len(s.readings) == 0
}

// Readings returns the captured readings in publish order.
func (s Snapshot) Readings() []sensor.Reading {
	return s.readings
}

// Equal reports whether two snapshots would publish identical payloads.
// Snapshots with different channel sets always differ.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s.readings) != len(o.readings) {
		return false
	}
	for i, r := range s.readings {
		if r.Name != o.readings[i].Name || !r.Value.Equal(o.readings[i].Value) {
			return false
		}
	}
	return true
}

// MarshalJSON renders the snapshot as a single flat JSON object with
// keys in channel-table order.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range s.readings {
		if i > 0 {
			buf.WriteString(", ")
		}
		key, err := json.Marshal(r.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteString(": ")
		val, err := json.Marshal(r.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
