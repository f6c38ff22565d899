// internal/model/command.go
package model

import "fmt"

// CommandType enumerates the commands routable to the active device.
type CommandType string

const (
	CommandSetVoltage  CommandType = "SET_VOLTAGE"
	CommandSetCurrent  CommandType = "SET_CURRENT"
	CommandOutputOn    CommandType = "OUTPUT_ON"
	CommandOutputOff   CommandType = "OUTPUT_OFF"
	CommandQueryOutput CommandType = "QUERY_OUTPUT"
)

// Command is a routed instruction for the active device. Value carries
// the primary setpoint, Limit the matching compliance limit (current
// limit for SET_VOLTAGE, voltage limit for SET_CURRENT).
type Command struct {
	Type  CommandType `json:"type"`
	Value float64     `json:"value,omitempty"`
	Limit float64     `json:"limit,omitempty"`
}

// Validate rejects commands that can never be routed.
func (c Command) Validate() error {
	switch c.Type {
	case CommandSetVoltage, CommandSetCurrent:
		if c.Value < 0 {
			return fmt.Errorf("negative setpoint %g for %s", c.Value, c.Type)
		}
		return nil
	case CommandOutputOn, CommandOutputOff, CommandQueryOutput:
		return nil
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
}

// CommandResult is the outcome of routing a command.
type CommandResult struct {
	Address  string      `json:"address"`
	Type     CommandType `json:"type"`
	OutputOn *bool       `json:"output_on,omitempty"`
}
