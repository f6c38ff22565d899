// internal/driver/keithley/k2461.go
package keithley

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

// 2461 SourceMeter envelope limits.
const (
	MaxVoltage = 100.0
	MaxCurrent = 10.0
)

// K2461 drives a Keithley 2461 SourceMeter over its raw-socket SCPI
// interface (port 5025). Unlike a bare supply the 2461 pairs every
// source setpoint with a compliance limit on the opposite quantity.
type K2461 struct {
	descriptor *model.DeviceDescriptor
	client     *scpi.Client
	logger     *zap.Logger
}

// NewK2461 creates a 2461 driver bound to an open SCPI client.
func NewK2461(descriptor *model.DeviceDescriptor, client *scpi.Client, logger *zap.Logger) *K2461 {
	return &K2461{
		descriptor: descriptor,
		client:     client,
		logger: logger.With(
			zap.String("driver", "keithley_2461"),
			zap.String("address", descriptor.Address),
		),
	}
}

// Descriptor returns the device descriptor
func (k *K2461) Descriptor() *model.DeviceDescriptor {
	return k.descriptor
}

// Apply executes a control command on the source meter
func (k *K2461) Apply(ctx context.Context, command model.Command) (*model.CommandResult, error) {
	if err := command.Validate(); err != nil {
		return nil, err
	}

	result := &model.CommandResult{Address: k.descriptor.Address, Type: command.Type}

	switch command.Type {
	case model.CommandSetVoltage:
		if command.Value > MaxVoltage {
			return nil, fmt.Errorf("voltage setpoint %g V exceeds %g V range", command.Value, MaxVoltage)
		}
		if err := k.client.Send(ctx, ":SOUR:FUNC VOLT"); err != nil {
			return nil, err
		}
		if err := k.client.Send(ctx, ":SOUR:VOLT:LEV "+formatSetpoint(command.Value)); err != nil {
			return nil, err
		}
		if command.Limit > 0 {
			if command.Limit > MaxCurrent {
				return nil, fmt.Errorf("current compliance %g A exceeds %g A range", command.Limit, MaxCurrent)
			}
			if err := k.client.Send(ctx, ":SOUR:VOLT:ILIM "+formatSetpoint(command.Limit)); err != nil {
				return nil, err
			}
		}

	case model.CommandSetCurrent:
		if command.Value > MaxCurrent {
			return nil, fmt.Errorf("current setpoint %g A exceeds %g A range", command.Value, MaxCurrent)
		}
		if err := k.client.Send(ctx, ":SOUR:FUNC CURR"); err != nil {
			return nil, err
		}
		if err := k.client.Send(ctx, ":SOUR:CURR:LEV "+formatSetpoint(command.Value)); err != nil {
			return nil, err
		}
		if command.Limit > 0 {
			if command.Limit > MaxVoltage {
				return nil, fmt.Errorf("voltage compliance %g V exceeds %g V range", command.Limit, MaxVoltage)
			}
			if err := k.client.Send(ctx, ":SOUR:CURR:VLIM "+formatSetpoint(command.Limit)); err != nil {
				return nil, err
			}
		}

	case model.CommandOutputOn:
		if err := k.client.Send(ctx, ":OUTP ON"); err != nil {
			return nil, err
		}
		on := true
		result.OutputOn = &on

	case model.CommandOutputOff:
		if err := k.client.Send(ctx, ":OUTP OFF"); err != nil {
			return nil, err
		}
		on := false
		result.OutputOn = &on

	case model.CommandQueryOutput:
		response, err := k.client.Query(ctx, ":OUTP?")
		if err != nil {
			return nil, err
		}
		on := strings.TrimSpace(response) == "1"
		result.OutputOn = &on
	}

	k.logger.Debug("Command applied", zap.String("type", string(command.Type)))
	return result, nil
}

// MeasureAll reads voltage and current, then derives resistance and
// power. Two direct queries beat a combined READ? fetch here: the
// instrument only returns the configured sense function from READ?.
func (k *K2461) MeasureAll(ctx context.Context) (*model.MeasurementSample, error) {
	voltageResp, err := k.client.Query(ctx, ":MEAS:VOLT?")
	if err != nil {
		return nil, err
	}
	voltage, err := scpi.ParseValue(voltageResp)
	if err != nil {
		return nil, err
	}

	currentResp, err := k.client.Query(ctx, ":MEAS:CURR?")
	if err != nil {
		return nil, err
	}
	current, err := scpi.ParseValue(currentResp)
	if err != nil {
		return nil, err
	}

	channels := []model.ChannelValue{
		{Name: model.ChannelVoltage, Value: voltage},
		{Name: model.ChannelCurrent, Value: current},
	}
	// Resistance is undefined at zero current; the channel is simply
	// omitted for that sample.
	if current != 0 {
		channels = append(channels, model.ChannelValue{Name: model.ChannelResistance, Value: voltage / current})
	}
	channels = append(channels, model.ChannelValue{Name: model.ChannelPower, Value: voltage * current})

	return &model.MeasurementSample{
		Timestamp: time.Now(),
		DeviceID:  k.descriptor.Address,
		Channels:  channels,
	}, nil
}

// CheckError drains one entry from the instrument's error queue.
func (k *K2461) CheckError(ctx context.Context) error {
	response, err := k.client.Query(ctx, ":SYST:ERR?")
	if err != nil {
		return err
	}
	if strings.HasPrefix(response, "0,") || strings.HasPrefix(response, "+0,") {
		return nil
	}
	return &model.ProtocolError{Response: response, Reason: "instrument reported error"}
}

// Close releases the underlying transport
func (k *K2461) Close() error {
	return k.client.Transport().Close()
}

func formatSetpoint(value float64) string {
	return decimal.NewFromFloat(value).StringFixed(3)
}
