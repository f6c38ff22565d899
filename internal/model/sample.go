// internal/model/sample.go
package model

import "time"

// Channel names shared by drivers, buffers and exporters. Values are
// always SI base units: volts, amps, ohms, watts.
const (
	ChannelVoltage    = "voltage"
	ChannelCurrent    = "current"
	ChannelResistance = "resistance"
	ChannelPower      = "power"
)

// ChannelValue is one named reading inside a sample. Samples keep their
// channels as an ordered slice so exports reproduce the exact column
// order they were produced with.
type ChannelValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// MeasurementSample is a single timestamped reading from one device.
// Immutable once produced: workers build a fresh sample per step and
// consumers only ever see copies.
type MeasurementSample struct {
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"device_id"`
	Channels  []ChannelValue `json:"channels"`
}

// Value looks up a channel by name.
func (s *MeasurementSample) Value(name string) (float64, bool) {
	for _, c := range s.Channels {
		if c.Name == name {
			return c.Value, true
		}
	}
	return 0, false
}

// ChannelNames returns the channel names in sample order.
func (s *MeasurementSample) ChannelNames() []string {
	names := make([]string, len(s.Channels))
	for i, c := range s.Channels {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy of the sample.
func (s *MeasurementSample) Clone() MeasurementSample {
	out := MeasurementSample{
		Timestamp: s.Timestamp,
		DeviceID:  s.DeviceID,
		Channels:  make([]ChannelValue, len(s.Channels)),
	}
	copy(out.Channels, s.Channels)
	return out
}
