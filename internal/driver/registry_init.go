// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"instrument-service/internal/driver/keithley"
	"instrument-service/internal/driver/rigol"
	"instrument-service/internal/model"
	"instrument-service/internal/scpi"
)

// RegisterDefaultDrivers registers all supported instrument drivers
func RegisterDefaultDrivers(registry *Registry, logger *zap.Logger) {
	registry.Register(Registration{
		VendorKeyword: "RIGOL",
		Kind:          model.DeviceKindPowerSupply,
		Capabilities: []model.Capability{
			model.CapabilitySetVoltage,
			model.CapabilitySetCurrent,
			model.CapabilityOutputSwitch,
			model.CapabilityMeasureVoltage,
			model.CapabilityMeasureCurrent,
			model.CapabilityMeasurePower,
			model.CapabilityMeasureCombined,
		},
		Factory: func(descriptor *model.DeviceDescriptor, client *scpi.Client, logger *zap.Logger) Instrument {
			return rigol.NewDP711(descriptor, client, logger)
		},
	})

	registry.Register(Registration{
		VendorKeyword: "KEITHLEY",
		Kind:          model.DeviceKindSourceMeter,
		Capabilities: []model.Capability{
			model.CapabilitySetVoltage,
			model.CapabilitySetCurrent,
			model.CapabilityOutputSwitch,
			model.CapabilityMeasureVoltage,
			model.CapabilityMeasureCurrent,
			model.CapabilityMeasurePower,
			model.CapabilityMeasureResistance,
			model.CapabilityMeasureCombined,
			model.CapabilityComplianceSettable,
		},
		Factory: func(descriptor *model.DeviceDescriptor, client *scpi.Client, logger *zap.Logger) Instrument {
			return keithley.NewK2461(descriptor, client, logger)
		},
	})

	logger.Info("Instrument drivers registered", zap.Int("families", 2))
}
