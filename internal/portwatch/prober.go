// internal/portwatch/prober.go
package portwatch

import (
	"context"

	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/internal/scpi"
)

// SerialProber identifies instruments by opening the port with the
// bench's default line settings and issuing an identification query.
// The port is closed again immediately; attaching reopens it.
type SerialProber struct {
	settings model.SerialSettings
	logger   *zap.Logger
}

// NewSerialProber creates a prober using settings as the line defaults.
// The Path field of settings is overridden per probe.
func NewSerialProber(settings model.SerialSettings, logger *zap.Logger) *SerialProber {
	return &SerialProber{settings: settings, logger: logger}
}

// Probe opens path, queries *IDN? and closes the port.
func (p *SerialProber) Probe(ctx context.Context, path string) (model.Identity, error) {
	settings := p.settings
	settings.Path = path

	transport := protocol.NewSerialTransport(settings, p.logger)
	if err := transport.Open(ctx); err != nil {
		return model.Identity{}, err
	}
	defer transport.Close()

	client := scpi.NewClient(transport, 0, p.logger)
	return client.Identify(ctx)
}
