// internal/driver/rigol/dp711.go
package rigol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/scpi"
)

// DP711 output limits. The single-channel DP711 sources up to 30 V,
// 5 A and 150 W.
const (
	MaxVoltage = 30.0
	MaxCurrent = 5.0
	MaxPower   = 150.0
)

// DP711 drives a RIGOL DP711 programmable power supply over its serial
// SCPI interface. Setpoints are formatted with three decimal places,
// matching the supply's millivolt/milliamp resolution.
type DP711 struct {
	descriptor *model.DeviceDescriptor
	client     *scpi.Client
	logger     *zap.Logger
}

// NewDP711 creates a DP711 driver bound to an open SCPI client.
func NewDP711(descriptor *model.DeviceDescriptor, client *scpi.Client, logger *zap.Logger) *DP711 {
	return &DP711{
		descriptor: descriptor,
		client:     client,
		logger: logger.With(
			zap.String("driver", "rigol_dp711"),
			zap.String("address", descriptor.Address),
		),
	}
}

// Descriptor returns the device descriptor
func (d *DP711) Descriptor() *model.DeviceDescriptor {
	return d.descriptor
}

// Apply executes a control command on the supply
func (d *DP711) Apply(ctx context.Context, command model.Command) (*model.CommandResult, error) {
	if err := command.Validate(); err != nil {
		return nil, err
	}

	result := &model.CommandResult{Address: d.descriptor.Address, Type: command.Type}

	switch command.Type {
	case model.CommandSetVoltage:
		if command.Value > MaxVoltage {
			return nil, fmt.Errorf("voltage setpoint %g V exceeds %g V range", command.Value, MaxVoltage)
		}
		if err := d.client.Send(ctx, ":SOURce:VOLTage "+formatSetpoint(command.Value)); err != nil {
			return nil, err
		}
		if command.Limit > 0 {
			if command.Limit > MaxCurrent {
				return nil, fmt.Errorf("current limit %g A exceeds %g A range", command.Limit, MaxCurrent)
			}
			if err := d.client.Send(ctx, ":SOURce:CURRent "+formatSetpoint(command.Limit)); err != nil {
				return nil, err
			}
		}

	case model.CommandSetCurrent:
		if command.Value > MaxCurrent {
			return nil, fmt.Errorf("current setpoint %g A exceeds %g A range", command.Value, MaxCurrent)
		}
		if err := d.client.Send(ctx, ":SOURce:CURRent "+formatSetpoint(command.Value)); err != nil {
			return nil, err
		}
		if command.Limit > 0 {
			if command.Limit > MaxVoltage {
				return nil, fmt.Errorf("voltage limit %g V exceeds %g V range", command.Limit, MaxVoltage)
			}
			if err := d.client.Send(ctx, ":SOURce:VOLTage "+formatSetpoint(command.Limit)); err != nil {
				return nil, err
			}
		}

	case model.CommandOutputOn:
		if err := d.client.Send(ctx, ":OUTPut:STATe ON"); err != nil {
			return nil, err
		}
		on := true
		result.OutputOn = &on

	case model.CommandOutputOff:
		if err := d.client.Send(ctx, ":OUTPut:STATe OFF"); err != nil {
			return nil, err
		}
		on := false
		result.OutputOn = &on

	case model.CommandQueryOutput:
		response, err := d.client.Query(ctx, ":OUTPut:STATe?")
		if err != nil {
			return nil, err
		}
		on := parseOutputState(response)
		result.OutputOn = &on
	}

	d.logger.Debug("Command applied", zap.String("type", string(command.Type)))
	return result, nil
}

// MeasureAll reads voltage, current and power in one query. The DP711
// answers MEASure:ALL? with "V,I,P".
func (d *DP711) MeasureAll(ctx context.Context) (*model.MeasurementSample, error) {
	response, err := d.client.Query(ctx, ":MEASure:ALL?")
	if err != nil {
		return nil, err
	}

	values, err := scpi.ParseValues(response, 3)
	if err != nil {
		return nil, err
	}

	return &model.MeasurementSample{
		Timestamp: time.Now(),
		DeviceID:  d.descriptor.Address,
		Channels: []model.ChannelValue{
			{Name: model.ChannelVoltage, Value: values[0]},
			{Name: model.ChannelCurrent, Value: values[1]},
			{Name: model.ChannelPower, Value: values[2]},
		},
	}, nil
}

// CheckError drains one entry from the supply's error queue.
func (d *DP711) CheckError(ctx context.Context) error {
	response, err := d.client.Query(ctx, ":SYSTem:ERRor?")
	if err != nil {
		return err
	}
	if strings.HasPrefix(response, "0,") || strings.HasPrefix(response, "+0,") {
		return nil
	}
	return &model.ProtocolError{Response: response, Reason: "instrument reported error"}
}

// Close releases the underlying transport
func (d *DP711) Close() error {
	return d.client.Transport().Close()
}

// formatSetpoint renders a setpoint with exactly three decimals,
// avoiding float formatting drift like 0.1+0.2 artifacts.
func formatSetpoint(value float64) string {
	return decimal.NewFromFloat(value).StringFixed(3)
}

func parseOutputState(response string) bool {
	switch strings.ToUpper(strings.TrimSpace(response)) {
	case "ON", "1":
		return true
	default:
		return false
	}
}
