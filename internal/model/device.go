// internal/model/device.go
package model

import (
	"fmt"
	"strings"
	"time"
)

// DeviceKind represents the kind of instrument
type DeviceKind string

const (
	DeviceKindSourceMeter DeviceKind = "SOURCE_METER"
	DeviceKindPowerSupply DeviceKind = "POWER_SUPPLY"
)

// TransportKind represents how the instrument is reached
type TransportKind string

const (
	TransportSerial TransportKind = "SERIAL"
	TransportTCP    TransportKind = "TCP"
)

// Capability represents what an instrument can do
type Capability string

const (
	CapabilitySetVoltage         Capability = "SET_VOLTAGE"
	CapabilitySetCurrent         Capability = "SET_CURRENT"
	CapabilityOutputSwitch       Capability = "OUTPUT_SWITCH"
	CapabilityMeasureVoltage     Capability = "MEASURE_VOLTAGE"
	CapabilityMeasureCurrent     Capability = "MEASURE_CURRENT"
	CapabilityMeasurePower       Capability = "MEASURE_POWER"
	CapabilityMeasureResistance  Capability = "MEASURE_RESISTANCE"
	CapabilityMeasureCombined    Capability = "MEASURE_ALL"
	CapabilityComplianceSettable Capability = "COMPLIANCE"
)

// WorkerState represents the lifecycle state of a worker
type WorkerState string

const (
	WorkerIdle       WorkerState = "IDLE"
	WorkerConnecting WorkerState = "CONNECTING"
	WorkerRunning    WorkerState = "RUNNING"
	WorkerPaused     WorkerState = "PAUSED"
	WorkerStopping   WorkerState = "STOPPING"
	WorkerStopped    WorkerState = "STOPPED"
	WorkerFailed     WorkerState = "FAILED"
)

// Identity is the parsed response to an identification query (*IDN?).
type Identity struct {
	Vendor   string `json:"vendor"`
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Firmware string `json:"firmware,omitempty"`
}

// String renders the identity back into the comma-separated wire form.
func (id Identity) String() string {
	parts := []string{id.Vendor, id.Model, id.Serial}
	if id.Firmware != "" {
		parts = append(parts, id.Firmware)
	}
	return strings.Join(parts, ",")
}

// IsZero reports whether the identity has not been confirmed yet.
func (id Identity) IsZero() bool {
	return id.Vendor == "" && id.Model == ""
}

// PortInfo describes a serial port visible to the scanner.
type PortInfo struct {
	Path       string    `json:"path"`
	ObservedAt time.Time `json:"observed_at"`
}

// DeviceDescriptor describes a known instrument before and after
// connection. Address is a serial path or host:port; Identity is empty
// until an identification query succeeds.
type DeviceDescriptor struct {
	Address      string        `json:"address"`
	Transport    TransportKind `json:"transport"`
	Kind         DeviceKind    `json:"kind"`
	Identity     Identity      `json:"identity"`
	Capabilities []Capability  `json:"capabilities"`
	BaudRate     int           `json:"baud_rate,omitempty"`
}

// HasCapability checks whether the descriptor carries a capability.
func (d *DeviceDescriptor) HasCapability(capability Capability) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Label is a short human-readable handle for logs and listings.
func (d *DeviceDescriptor) Label() string {
	if d.Identity.IsZero() {
		return d.Address
	}
	return fmt.Sprintf("%s %s (%s)", d.Identity.Vendor, d.Identity.Model, d.Address)
}

// SerialSettings holds serial line parameters for a transport.
type SerialSettings struct {
	Path        string        `json:"path"`
	BaudRate    int           `json:"baud_rate"`
	DataBits    int           `json:"data_bits"`
	StopBits    int           `json:"stop_bits"`
	Parity      string        `json:"parity"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// TCPSettings holds TCP connection parameters for a transport.
type TCPSettings struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
}

// Addr returns the host:port form used as a device address.
func (s TCPSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
