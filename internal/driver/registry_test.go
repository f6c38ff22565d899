// internal/driver/registry_test.go
package driver

import (
	"testing"

	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/scpi"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry(zap.NewNop())
	RegisterDefaultDrivers(registry, zap.NewNop())
	return registry
}

func TestMatchByVendorKeyword(t *testing.T) {
	registry := newTestRegistry(t)

	tests := []struct {
		vendor   string
		wantKind model.DeviceKind
		wantOK   bool
	}{
		{"RIGOL TECHNOLOGIES", model.DeviceKindPowerSupply, true},
		{"Rigol Technologies Co.,Ltd.", model.DeviceKindPowerSupply, true},
		{"KEITHLEY INSTRUMENTS", model.DeviceKindSourceMeter, true},
		{"ACME CORP", "", false},
	}

	for _, tt := range tests {
		registration, ok := registry.Match(model.Identity{Vendor: tt.vendor, Model: "X"})
		if ok != tt.wantOK {
			t.Fatalf("Match(%q): ok=%v, want %v", tt.vendor, ok, tt.wantOK)
		}
		if ok && registration.Kind != tt.wantKind {
			t.Fatalf("Match(%q): kind=%s, want %s", tt.vendor, registration.Kind, tt.wantKind)
		}
	}
}

func TestCreateDriverFillsDescriptor(t *testing.T) {
	registry := newTestRegistry(t)

	descriptor := &model.DeviceDescriptor{
		Address:   "/dev/ttyUSB0",
		Transport: model.TransportSerial,
		Identity:  model.Identity{Vendor: "RIGOL TECHNOLOGIES", Model: "DP711", Serial: "DP7A1"},
	}

	instrument, err := registry.CreateDriver(descriptor, (*scpi.Client)(nil))
	if err != nil {
		t.Fatalf("CreateDriver failed: %v", err)
	}
	if instrument == nil {
		t.Fatal("nil instrument")
	}
	if descriptor.Kind != model.DeviceKindPowerSupply {
		t.Fatalf("descriptor kind not set: %s", descriptor.Kind)
	}
	if !descriptor.HasCapability(model.CapabilitySetVoltage) {
		t.Fatal("capabilities not populated")
	}
}

func TestCreateDriverUnknownVendor(t *testing.T) {
	registry := newTestRegistry(t)

	descriptor := &model.DeviceDescriptor{
		Address:  "/dev/ttyUSB1",
		Identity: model.Identity{Vendor: "ACME", Model: "PSU-1"},
	}

	if _, err := registry.CreateDriver(descriptor, nil); err == nil {
		t.Fatal("want error for unknown vendor")
	}
}
