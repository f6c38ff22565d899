// internal/driver/driver.go
package driver

import (
	"context"

	"instrument-service/internal/model"
)

// Instrument is the device-facing contract every driver implements.
// Drivers translate typed commands into the instrument's SCPI dialect;
// they never talk to the transport directly, only through the client
// they were created with.
type Instrument interface {
	// Descriptor returns the device descriptor the driver was built for.
	Descriptor() *model.DeviceDescriptor

	// Apply executes a control command on the instrument.
	Apply(ctx context.Context, command model.Command) (*model.CommandResult, error)

	// MeasureAll takes one reading of every channel the instrument
	// supports and returns it as a single timestamped sample.
	MeasureAll(ctx context.Context) (*model.MeasurementSample, error)

	// CheckError drains the instrument's error queue and reports the
	// first pending error, if any.
	CheckError(ctx context.Context) error

	// Close releases the underlying transport.
	Close() error
}
